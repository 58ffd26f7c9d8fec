package analysis

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector evaluates the fixed pattern heuristics against a case.
type Detector struct {
	cfg domain.DetectionConfig
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg domain.DetectionConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs the default detector.
func Detect(c *domain.Case, stats domain.TransactionStatistics) []domain.Finding {
	return NewDetector(domain.DefaultDetection()).Detect(c, stats)
}

// Detect returns the triggered findings in heuristic order.
// Every heuristic is evaluated; the result is identical for identical input.
func (d *Detector) Detect(c *domain.Case, stats domain.TransactionStatistics) []domain.Finding {
	findings := []domain.Finding{}
	if len(c.Transactions) == 0 {
		return findings
	}

	add := func(kind domain.FindingKind, format string, args ...any) {
		findings = append(findings, domain.Finding{Kind: kind, Text: fmt.Sprintf(format, args...)})
	}

	txs := c.Transactions
	cfg := d.cfg

	// Structuring
	threshold := cfg.StructuringThreshold
	floor := threshold * cfg.StructuringBand
	near := 0
	for _, tx := range txs {
		if tx.Amount > floor && tx.Amount < threshold {
			near++
		}
	}
	if near >= cfg.StructuringMinCount {
		add(domain.FindingStructuring,
			"Structuring: %d transactions just below INR %s reporting threshold", near, Whole(threshold))
	}

	// Volume spike
	expected := c.Customer.ExpectedMonthlyVolume
	if expected > 0 && stats.TotalVolume > 0 {
		if ratio := stats.TotalVolume / expected; ratio > cfg.VolumeSpikeRatio {
			add(domain.FindingVolumeSpike, "Volume spike: %.1fx above expected monthly volume", ratio)
		}
	}

	// Rapid movement, one finding per date in first-seen order
	type flow struct{ credits, debits float64 }
	var dates []string
	flows := make(map[string]*flow)
	for _, tx := range txs {
		f, ok := flows[tx.Date]
		if !ok {
			f = &flow{}
			flows[tx.Date] = f
			dates = append(dates, tx.Date)
		}
		if tx.Amount > 0 {
			f.credits += tx.Amount
		} else {
			f.debits += math.Abs(tx.Amount)
		}
	}
	for _, date := range dates {
		if f := flows[date]; f.credits > 0 && f.debits > 0 {
			add(domain.FindingRapidMovement, "Rapid movement: Credits and debits on same day (%s)", date)
		}
	}

	// Multiple small deposits
	small := 0
	for _, tx := range txs {
		if tx.Amount > 0 && tx.Amount < cfg.SmallDepositLimit {
			small++
		}
	}
	if small >= cfg.SmallDepositMinCount {
		add(domain.FindingSmallDeposits,
			"Multiple small deposits: %d deposits under INR %s", small, Lakh(cfg.SmallDepositLimit))
	}

	// Income mismatch
	declared := c.Customer.DeclaredIncome
	if declared > 0 && stats.TotalVolume > 0 {
		if ratio := stats.TotalVolume / declared; ratio > cfg.IncomeMismatchRatio {
			add(domain.FindingIncomeMismatch,
				"Income mismatch: Transaction volume %.1fx declared annual income", ratio)
		}
	}

	// Multiple originators
	if stats.UniqueOriginators > cfg.MaxOriginators {
		add(domain.FindingOriginators,
			"Multiple originators: %d unique sources in %d days", stats.UniqueOriginators, stats.DateRangeDays)
	}

	// Round numbers
	round := 0
	for _, tx := range txs {
		if tx.Amount > 0 && math.Mod(tx.Amount, cfg.RoundAmountUnit) == 0 {
			round++
		}
	}
	if round >= cfg.RoundAmountMinCount {
		add(domain.FindingRoundNumbers,
			"Round-number transactions: %d transactions in exact round amounts", round)
	}

	// Large transactions, one per transaction
	for _, tx := range txs {
		if math.Abs(tx.Amount) >= cfg.LargeTxThreshold {
			add(domain.FindingLargeTx, "Large transaction: %s %s on %s", tx.Currency, Money(math.Abs(tx.Amount)), tx.Date)
		}
	}

	// High-risk transfer types
	var found []string
	matched := 0
	for _, tx := range txs {
		if !slices.Contains(cfg.HighRiskTypes, tx.Type) {
			continue
		}
		matched++
		if !slices.Contains(found, tx.Type) {
			found = append(found, tx.Type)
		}
	}
	if matched > 0 {
		add(domain.FindingHighRiskTypes,
			"High-risk transfer types: %d %s transactions", matched, strings.Join(found, ", "))
	}

	return findings
}
