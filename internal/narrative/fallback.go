package narrative

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/analysis"
)

// FallbackMarker ends every narrative produced without the backend.
const FallbackMarker = "[This narrative was generated using template fallback -- LLM was unavailable]"

// Fallback builds the deterministic five-section narrative from structured data.
func Fallback(in Input) string {
	c, s := in.Case, in.Stats
	cur := currency(s)
	total := analysis.Money(s.TotalVolume)
	notes := orDefault(c.InvestigationNotes, "No additional investigation notes provided.")

	var b strings.Builder

	b.WriteString("I. SUMMARY OF SUSPICIOUS ACTIVITY\n\n")
	fmt.Fprintf(&b, "This report is filed regarding suspicious transactions identified in the account of %s (Account: %s). ",
		c.Customer.Name, c.Customer.AccountNumber)
	fmt.Fprintf(&b, "A total of %d transactions totaling %s %s were identified during the review period from %s to %s. ",
		s.TransactionCount, cur, total, s.DateRangeStart, s.DateRangeEnd)
	fmt.Fprintf(&b, "The activity is consistent with %s.\n\n", in.Typology)

	b.WriteString("II. ACCOUNT AND CUSTOMER INFORMATION\n\n")
	fmt.Fprintf(&b, "Account holder %s maintains account %s, opened on %s. ",
		c.Customer.Name, c.Customer.AccountNumber, orDefault(c.Customer.AccountOpenDate, analysis.NoDate))
	fmt.Fprintf(&b, "The customer's declared occupation is %s with expected monthly transaction volume of %s %s. ",
		orDefault(c.Customer.Occupation, "Not specified"), cur, analysis.Money(c.Customer.ExpectedMonthlyVolume))
	fmt.Fprintf(&b, "Current KYC risk rating: %s.\n\n", c.Customer.KYCRiskRating)

	b.WriteString("III. DESCRIPTION OF SUSPICIOUS ACTIVITY\n\n")
	fmt.Fprintf(&b, "Alert Reason: %s\n\n", c.AlertReason)
	b.WriteString("Transaction Summary:\n")
	fmt.Fprintf(&b, "- Total Volume: %s %s\n", cur, total)
	fmt.Fprintf(&b, "- Transaction Count: %d\n", s.TransactionCount)
	fmt.Fprintf(&b, "- Date Range: %s to %s\n\n", s.DateRangeStart, s.DateRangeEnd)
	b.WriteString("Suspicious Patterns:\n")
	b.WriteString(patternList(in.Findings))
	b.WriteString("\n\n")

	b.WriteString("IV. EXPLANATION OF SUSPICION\n\n")
	b.WriteString(notes)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "The identified patterns are consistent with %s typology under PMLA guidelines.\n\n", in.Typology)

	b.WriteString("V. CONCLUSION AND RECOMMENDATION\n\n")
	b.WriteString("Based on the analysis, this activity warrants reporting as a Suspicious Transaction Report (STR) under Section 12 of PMLA, 2002. ")
	b.WriteString("The FIU-IND should be notified within the prescribed timeline. Enhanced monitoring is recommended for this account.\n\n")
	b.WriteString(FallbackMarker)
	b.WriteString("\n")

	return b.String()
}
