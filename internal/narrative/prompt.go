package narrative

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed prompts/user_prompt.tmpl
var defaultPrompt string

// MaxTemplateReference bounds the reference template text in prompts.
const MaxTemplateReference = 2000

const noTemplate = "No template available"

// PromptBuilder renders the user prompt for a case.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder parses the prompt template at path, or the built-in
// template when path is empty.
func NewPromptBuilder(path string) (*PromptBuilder, error) {
	text := defaultPrompt
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt template: %w", err)
		}
		text = string(data)
	}
	return ParsePrompt(text)
}

// ParsePrompt parses a prompt template. Field references are snake_case
// keys such as {{.case_id}}; unknown keys fail at render time.
func ParsePrompt(text string) (*PromptBuilder, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// Build renders the prompt. A template that references an unknown field
// degrades to the simplified prompt.
func (p *PromptBuilder) Build(in Input) string {
	fields := promptFields(in)

	var b strings.Builder
	if err := p.tmpl.Execute(&b, fields); err != nil {
		slog.Warn("prompt template failed, using simplified prompt", "case_id", in.Case.CaseID, "error", err)
		return simplifiedPrompt(in)
	}
	return b.String()
}

func simplifiedPrompt(in Input) string {
	return fmt.Sprintf("Generate a SAR narrative for case %s.\nAlert: %s\nPatterns: %s\nTypology: %s\nRisk Score: %d/100\nRegulatory Context: %s",
		in.Case.CaseID, in.Case.AlertReason, patternList(in.Findings), in.Typology, in.RiskScore, in.RegulatoryContext)
}

func promptFields(in Input) map[string]any {
	c, s := in.Case, in.Stats

	ref := in.TemplateReference
	if ref == "" {
		ref = noTemplate
	} else if len(ref) > MaxTemplateReference {
		ref = truncate(ref, MaxTemplateReference)
	}

	return map[string]any{
		"case_id":             c.CaseID,
		"alert_date":          orDefault(c.AlertDate, analysis.NoDate),
		"alert_reason":        c.AlertReason,
		"customer_name":       c.Customer.Name,
		"account_number":      c.Customer.AccountNumber,
		"occupation":          orDefault(c.Customer.Occupation, "Not specified"),
		"risk_rating":         c.Customer.KYCRiskRating,
		"account_open_date":   orDefault(c.Customer.AccountOpenDate, analysis.NoDate),
		"currency":            currency(s),
		"expected_volume":     analysis.Money(c.Customer.ExpectedMonthlyVolume),
		"declared_income":     analysis.Money(c.Customer.DeclaredIncome),
		"transaction_count":   s.TransactionCount,
		"total_volume":        analysis.Money(s.TotalVolume),
		"total_credits":       analysis.Money(s.TotalCredits),
		"total_debits":        analysis.Money(s.TotalDebits),
		"credit_count":        s.CreditCount,
		"debit_count":         s.DebitCount,
		"avg_amount":          analysis.Money(s.AvgAmount),
		"max_amount":          analysis.Money(s.MaxAmount),
		"date_range_start":    s.DateRangeStart,
		"date_range_end":      s.DateRangeEnd,
		"date_range_days":     s.DateRangeDays,
		"transaction_types":   typeList(s.TransactionTypes),
		"patterns":            patternList(in.Findings),
		"typology":            in.Typology,
		"risk_score":          in.RiskScore,
		"investigation_notes": orDefault(c.InvestigationNotes, "None provided"),
		"regulatory_context":  in.RegulatoryContext,
		"template_reference":  ref,
	}
}

func patternList(findings []domain.Finding) string {
	lines := make([]string, len(findings))
	for i, f := range findings {
		lines[i] = "- " + f.Text
	}
	return strings.Join(lines, "\n")
}

// typeList renders type counts sorted by type name.
func typeList(types map[string]int) string {
	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %d", k, types[k])
	}
	return strings.Join(parts, ", ")
}

func currency(s domain.TransactionStatistics) string {
	return orDefault(s.Currency, domain.DefaultCurrency)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
