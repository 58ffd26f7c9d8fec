// Package analysis computes transaction statistics, detects suspicious
// patterns and scores case risk. Everything here is pure and deterministic.
package analysis

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Accepted transaction date layouts, tried in order. Month and day may have
// one or two digits.
var dateLayouts = []string{"2006-1-2", "2-1-2006"}

// rangeLayout formats the date range bounds.
const rangeLayout = "2006-01-02"

// NoDate is reported for the range bounds when no date could be parsed.
const NoDate = "N/A"

// ParseDate parses a transaction date in either accepted layout.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ComputeStatistics aggregates a transaction list.
// Amount totals are accumulated exactly and reported as absolute values.
func ComputeStatistics(txs []domain.Transaction) domain.TransactionStatistics {
	stats := domain.TransactionStatistics{
		DateRangeStart:   NoDate,
		DateRangeEnd:     NoDate,
		TransactionTypes: map[string]int{},
		Currency:         domain.DefaultCurrency,
	}
	if len(txs) == 0 {
		return stats
	}

	var (
		total   = decimal.Zero
		credits = decimal.Zero
		debits  = decimal.Zero
		maxAmt  = decimal.Zero
		minAmt  decimal.Decimal

		first, last time.Time
		parsed      int

		originators   = make(map[string]struct{})
		beneficiaries = make(map[string]struct{})
	)

	for i, tx := range txs {
		amount := decimal.NewFromFloat(tx.Amount)
		abs := amount.Abs()

		total = total.Add(abs)
		if i == 0 || abs.LessThan(minAmt) {
			minAmt = abs
		}
		if abs.GreaterThan(maxAmt) {
			maxAmt = abs
		}

		switch {
		case tx.Amount > 0:
			credits = credits.Add(amount)
			stats.CreditCount++
		case tx.Amount < 0:
			debits = debits.Add(abs)
			stats.DebitCount++
		}

		if d, ok := ParseDate(tx.Date); ok {
			if parsed == 0 || d.Before(first) {
				first = d
			}
			if parsed == 0 || d.After(last) {
				last = d
			}
			parsed++
		}

		stats.TransactionTypes[tx.Type]++
		originators[tx.Originator] = struct{}{}
		beneficiaries[tx.Beneficiary] = struct{}{}
	}

	stats.TransactionCount = len(txs)
	stats.TotalVolume = total.InexactFloat64()
	stats.TotalCredits = credits.InexactFloat64()
	stats.TotalDebits = debits.InexactFloat64()
	stats.AvgAmount = total.Div(decimal.NewFromInt(int64(len(txs)))).InexactFloat64()
	stats.MaxAmount = maxAmt.InexactFloat64()
	stats.MinAmount = minAmt.InexactFloat64()
	stats.UniqueOriginators = len(originators)
	stats.UniqueBeneficiaries = len(beneficiaries)

	if txs[0].Currency != "" {
		stats.Currency = txs[0].Currency
	}

	stats.DateRangeDays = 1
	if parsed > 0 {
		stats.DateRangeStart = first.Format(rangeLayout)
		stats.DateRangeEnd = last.Format(rangeLayout)
	}
	if parsed > 1 {
		stats.DateRangeDays = int(last.Sub(first).Hours()/24) + 1
	}

	return stats
}
