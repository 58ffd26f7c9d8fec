// Package anonymize masks personally identifying fields of a case.
package anonymize

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Token prefixes for each masked field.
const (
	PrefixName        = "NAME"
	PrefixAccount     = "ACCT"
	PrefixAddress     = "ADDR"
	PrefixPAN         = "PAN"
	PrefixOriginator  = "ORIG"
	PrefixBeneficiary = "BENF"
)

// Value returns the stable token for value, e.g. "[NAME-1A2B3C]".
// The same value always yields the same token.
func Value(value, prefix string) string {
	sum := md5.Sum([]byte(value))
	h := strings.ToUpper(hex.EncodeToString(sum[:])[:6])
	return "[" + prefix + "-" + h + "]"
}

// Case returns an anonymized copy of c. The input is not modified.
// Amounts, dates, types and the case id are preserved so the anonymized
// copy produces the same statistics and findings as the original.
func Case(c *domain.Case) *domain.Case {
	out := c.Clone()

	out.Customer.Name = Value(c.Customer.Name, PrefixName)
	out.Customer.AccountNumber = Value(c.Customer.AccountNumber, PrefixAccount)
	if c.Customer.Address != "" {
		out.Customer.Address = Value(c.Customer.Address, PrefixAddress)
	}
	if c.Customer.PANNumber != "" {
		out.Customer.PANNumber = Value(c.Customer.PANNumber, PrefixPAN)
	}

	for i := range out.Transactions {
		out.Transactions[i].Originator = Value(c.Transactions[i].Originator, PrefixOriginator)
		out.Transactions[i].Beneficiary = Value(c.Transactions[i].Beneficiary, PrefixBeneficiary)
	}

	return out
}
