package pipeline

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Explanation tells a reviewer what the run looked at and why the case
// was considered suspicious.
type Explanation struct {
	CaseID             string            `json:"case_id"`
	WhySuspicious      []string          `json:"why_suspicious"`
	TypologyMatched    string            `json:"typology_matched"`
	TypologyConfidence float64           `json:"typology_confidence"`
	TemplatesUsed      []string          `json:"templates_used"`
	ModelReasoning     string            `json:"model_reasoning"`
	DataPointsAccessed []string          `json:"data_points_accessed"`
	RulesMatched       []string          `json:"rules_matched"`
	Calculations       map[string]string `json:"calculations"`
}

// Explain builds the explanation record for a completed run.
func Explain(a *Analysis, cls domain.TypologyClassification, d *Draft) Explanation {
	currency := a.Stats.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	ratio := "N/A"
	if expected := a.Case.Customer.ExpectedMonthlyVolume; expected > 0 {
		ratio = fmt.Sprintf("%.1fx", a.Stats.TotalVolume/expected)
	}

	var redFlags []string
	if d.Narrative != nil {
		redFlags = d.Narrative.RedFlags
	}
	findings := domain.FindingTexts(a.Findings)
	if redFlags == nil {
		redFlags = findings
	}

	return Explanation{
		CaseID:             a.Case.CaseID,
		WhySuspicious:      redFlags,
		TypologyMatched:    cls.Typology,
		TypologyConfidence: cls.Confidence,
		TemplatesUsed:      d.TemplateIDs(),
		ModelReasoning:     fmt.Sprintf("Risk score %d/100 based on %d patterns detected", a.RiskScore, len(a.Findings)),
		DataPointsAccessed: []string{
			fmt.Sprintf("%d transactions analyzed", a.Stats.TransactionCount),
			"Customer KYC profile reviewed",
			"Transaction stats calculated",
			fmt.Sprintf("%d templates retrieved", len(d.Templates)),
		},
		RulesMatched: findings,
		Calculations: map[string]string{
			"total_volume":       currency + " " + analysis.Money(a.Stats.TotalVolume),
			"volume_vs_expected": ratio,
			"risk_score":         fmt.Sprintf("%d/100", a.RiskScore),
		},
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func marshalBounded(v any, n int) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return truncate(string(data), n), nil
}
