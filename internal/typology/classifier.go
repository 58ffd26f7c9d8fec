// Package typology classifies cases against the typology knowledge base
// and retrieves the regulatory context and SAR templates for a case.
package typology

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/knowledge"
)

// Confidence boost applied when a keyword of the retrieved typology
// appears in the alert reason or the findings.
const KeywordBoost = 15

// DefaultTemplateTopK is the number of templates retrieved per case.
const DefaultTemplateTopK = 2

const genericContext = `General regulatory context:
- PMLA Section 12: Obligation to report suspicious transactions to FIU-IND
- PMLA Section 3: Definition of money laundering offence
- RBI Master Direction on KYC: Customer due diligence requirements
- STR filing deadline: 7 days from date of suspicion determination`

const filingRequirement = "Filing Requirement: STR must be filed with FIU-IND within 7 days of suspicion determination under PMLA Section 12."

// Classifier maps findings to the nearest typology document.
type Classifier struct {
	store    domain.VectorStore
	kb       *knowledge.Base
	keywords map[string][]string
	cache    domain.Cache
	cacheTTL time.Duration
}

// NewClassifier creates a classifier over a seeded store.
// c may be nil, in which case regulatory context is rebuilt on every call.
func NewClassifier(store domain.VectorStore, kb *knowledge.Base, c domain.Cache, ttl time.Duration) *Classifier {
	return &Classifier{
		store:    store,
		kb:       kb,
		keywords: kb.Keywords(),
		cache:    c,
		cacheTTL: ttl,
	}
}

// Query builds the similarity query for a set of findings.
func Query(findings []domain.Finding, alertReason string) string {
	return fmt.Sprintf("Patterns: %s. Alert: %s", strings.Join(domain.FindingTexts(findings), "; "), alertReason)
}

// Classify returns the closest typology key and a confidence in [0, 100].
// An empty store yields (UnknownTypology, 0).
func (c *Classifier) Classify(ctx context.Context, findings []domain.Finding, alertReason string) (domain.TypologyClassification, error) {
	unknown := domain.TypologyClassification{Typology: domain.UnknownTypology, Distance: 1}

	matches, err := c.store.Query(ctx, Query(findings, alertReason), 1, map[string]string{"type": domain.DocTypeTypology})
	if err != nil {
		return unknown, fmt.Errorf("typology query failed: %w", err)
	}
	if len(matches) == 0 {
		return unknown, nil
	}

	top := matches[0]
	key := top.Metadata["typology"]
	if key == "" {
		key = domain.UnknownTypology
	}

	result := domain.TypologyClassification{
		Typology:   key,
		Distance:   top.Distance,
		Confidence: clamp((1 - top.Distance) * 100),
	}

	text := strings.ToLower(alertReason + " " + strings.Join(domain.FindingTexts(findings), " "))
	for _, kw := range c.keywords[key] {
		if strings.Contains(text, kw) {
			result.Confidence = clamp(result.Confidence + KeywordBoost)
			result.KeywordBoost = true
			break
		}
	}

	return result, nil
}

// RegulatoryContext returns the regulatory block for a typology key.
// Unknown keys get the generic PMLA/RBI block.
func (c *Classifier) RegulatoryContext(ctx context.Context, key string) string {
	cacheKey := "regctx:" + key
	if c.cache != nil {
		var cached string
		if ok, err := cache.GetJSON(ctx, c.cache, cacheKey, &cached); err == nil && ok {
			return cached
		}
	}

	text := c.buildContext(key)

	if c.cache != nil {
		if err := cache.SetJSON(ctx, c.cache, cacheKey, text, c.cacheTTL); err != nil {
			slog.Warn("failed to cache regulatory context", "typology", key, "error", err)
		}
	}
	return text
}

func (c *Classifier) buildContext(key string) string {
	def, ok := c.kb.Typology(key)
	if !ok {
		return genericContext
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Typology: %s\n", def.Name)
	fmt.Fprintf(&b, "Description: %s\n", def.Description)
	fmt.Fprintf(&b, "Key Indicators: %s\n", strings.Join(def.Indicators, ", "))
	fmt.Fprintf(&b, "Legal Reference: %s\n", def.PMLAReference)
	fmt.Fprintf(&b, "Regulatory Reference: %s\n", def.RBIReference)
	b.WriteString(filingRequirement)
	return b.String()
}

// CaseSummary renders the text used to retrieve SAR templates for a case.
func CaseSummary(c *domain.Case, stats domain.TransactionStatistics, findings []domain.Finding) string {
	start, end := stats.DateRangeStart, stats.DateRangeEnd
	if start == "" {
		start = analysis.NoDate
	}
	if end == "" {
		end = analysis.NoDate
	}
	currency := stats.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return fmt.Sprintf("Case %s: %s\nCustomer: %s, KYC: %s\nTransactions: %d totaling %s %s\nPatterns: %s\nPeriod: %s to %s",
		c.CaseID, c.AlertReason,
		c.Customer.Occupation, c.Customer.KYCRiskRating,
		stats.TransactionCount, currency, analysis.Money(stats.TotalVolume),
		strings.Join(domain.FindingTexts(findings), "; "),
		start, end)
}

// RetrieveTemplates returns up to topK SAR templates closest to summary.
func (c *Classifier) RetrieveTemplates(ctx context.Context, summary string, topK int) ([]domain.Match, error) {
	if topK <= 0 {
		topK = DefaultTemplateTopK
	}
	matches, err := c.store.Query(ctx, summary, topK, map[string]string{"type": domain.DocTypeTemplate})
	if err != nil {
		return nil, fmt.Errorf("template query failed: %w", err)
	}
	return matches, nil
}

// Definitions lists the typologies known to the classifier.
func (c *Classifier) Definitions() []domain.TypologyDefinition {
	return c.kb.Typologies()
}

// Definition returns one typology definition.
func (c *Classifier) Definition(key string) (domain.TypologyDefinition, bool) {
	return c.kb.Typology(key)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
