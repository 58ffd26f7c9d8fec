package domain

// Transaction is a single movement of funds on the investigated account.
// Positive amounts are credits, negative amounts are debits.
type Transaction struct {
	Date        string  `json:"date"` // YYYY-MM-DD or DD-MM-YYYY
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Type        string  `json:"type"`
	Originator  string  `json:"originator"`
	Beneficiary string  `json:"beneficiary"`
	Description string  `json:"description"`
}

// KYC risk ratings.
const (
	KYCHigh   = "High"
	KYCMedium = "Medium"
	KYCLow    = "Low"
)

// DefaultCurrency is used when a case carries no currency information.
const DefaultCurrency = "INR"

// DefaultActor is the user id recorded for automated pipeline decisions.
const DefaultActor = "system"

// CustomerProfile describes the account holder under investigation.
type CustomerProfile struct {
	Name                  string  `json:"name"`
	AccountNumber         string  `json:"account_number"`
	KYCRiskRating         string  `json:"kyc_risk_rating"`
	Occupation            string  `json:"occupation"`
	AccountOpenDate       string  `json:"account_open_date"`
	ExpectedMonthlyVolume float64 `json:"expected_monthly_volume"`
	DeclaredIncome        float64 `json:"declared_income"`
	Address               string  `json:"address"`
	PANNumber             string  `json:"pan_number"`
}

// Case is one investigated customer and transaction bundle.
// A Case is treated as immutable once it enters the pipeline.
type Case struct {
	CaseID             string          `json:"case_id"`
	Customer           CustomerProfile `json:"customer"`
	Transactions       []Transaction   `json:"transactions"`
	AlertReason        string          `json:"alert_reason"`
	InvestigationNotes string          `json:"investigation_notes"`
	AlertDate          string          `json:"alert_date"`
	AssignedAnalyst    string          `json:"assigned_analyst"`
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	out := *c
	out.Transactions = make([]Transaction, len(c.Transactions))
	copy(out.Transactions, c.Transactions)
	return &out
}
