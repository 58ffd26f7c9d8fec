// Package intake decodes and validates raw case documents.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidCase is matched by every validation failure.
var ErrInvalidCase = errors.New("invalid case")

// ValidationError names the offending field and the reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidCase, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidCase.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidCase
}

// Decode parses a case document and validates it.
func Decode(r io.Reader) (*domain.Case, error) {
	var c domain.Case
	dec := json.NewDecoder(r)
	if err := dec.Decode(&c); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(data []byte) (*domain.Case, error) {
	return Decode(bytes.NewReader(data))
}

// Validate checks structural invariants and fills documented defaults.
// It never partially mutates a case that fails validation.
func Validate(c *domain.Case) error {
	if c == nil {
		return &ValidationError{Field: "case", Reason: "is required"}
	}
	if strings.TrimSpace(c.CaseID) == "" {
		return &ValidationError{Field: "case_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.AlertReason) == "" {
		return &ValidationError{Field: "alert_reason", Reason: "must not be empty"}
	}
	if len(c.Transactions) == 0 {
		return &ValidationError{Field: "transactions", Reason: "must contain at least one transaction"}
	}
	if strings.TrimSpace(c.Customer.Name) == "" {
		return &ValidationError{Field: "customer.name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Customer.AccountNumber) == "" {
		return &ValidationError{Field: "customer.account_number", Reason: "must not be empty"}
	}
	if c.Customer.ExpectedMonthlyVolume < 0 || math.IsNaN(c.Customer.ExpectedMonthlyVolume) {
		return &ValidationError{Field: "customer.expected_monthly_volume", Reason: "must be non-negative"}
	}
	if c.Customer.DeclaredIncome < 0 || math.IsNaN(c.Customer.DeclaredIncome) {
		return &ValidationError{Field: "customer.declared_income", Reason: "must be non-negative"}
	}

	for i, tx := range c.Transactions {
		if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
			return &ValidationError{
				Field:  fmt.Sprintf("transactions[%d].amount", i),
				Reason: fmt.Sprintf("must be a finite number, got %v", tx.Amount),
			}
		}
		if strings.TrimSpace(tx.Date) == "" {
			return &ValidationError{Field: fmt.Sprintf("transactions[%d].date", i), Reason: "must not be empty"}
		}
	}

	applyDefaults(c)
	return nil
}

func applyDefaults(c *domain.Case) {
	if c.Customer.KYCRiskRating == "" {
		c.Customer.KYCRiskRating = domain.KYCMedium
	}
	if c.AssignedAnalyst == "" {
		c.AssignedAnalyst = domain.DefaultActor
	}
	for i := range c.Transactions {
		if c.Transactions[i].Currency == "" {
			c.Transactions[i].Currency = domain.DefaultCurrency
		}
	}
}
