//go:build property
// +build property

package analysis

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func amountsToTxs(amounts []float64) []domain.Transaction {
	txs := make([]domain.Transaction, len(amounts))
	for i, a := range amounts {
		txs[i] = domain.Transaction{Date: "2024-01-01", Amount: a, Type: "NEFT"}
	}
	return txs
}

// TestScoreBounds verifies the score always lies in [0, 100].
func TestScoreBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score is clamped", prop.ForAll(
		func(n int, volume, expected float64, originators int, kyc string) bool {
			c := caseWith()
			c.Customer.ExpectedMonthlyVolume = expected
			c.Customer.KYCRiskRating = kyc
			stats := domain.TransactionStatistics{TotalVolume: volume, UniqueOriginators: originators}

			score, b := Score(make([]domain.Finding, n), stats, c)
			return score >= 0 && score <= 100 && score == b.Total
		},
		gen.IntRange(0, 50),
		gen.Float64Range(0, 1e12),
		gen.Float64Range(0, 1e9),
		gen.IntRange(0, 100),
		gen.OneConstOf(domain.KYCHigh, domain.KYCMedium, domain.KYCLow, "", "Unknown"),
	))

	properties.TestingRun(t)
}

// TestScoreMonotonic verifies an extra finding never lowers the score.
func TestScoreMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("more findings never lower the score", prop.ForAll(
		func(n int, volume float64) bool {
			c := caseWith()
			c.Customer.ExpectedMonthlyVolume = 1000
			stats := domain.TransactionStatistics{TotalVolume: volume}

			lower, _ := Score(make([]domain.Finding, n), stats, c)
			higher, _ := Score(make([]domain.Finding, n+1), stats, c)
			return higher >= lower
		},
		gen.IntRange(0, 20),
		gen.Float64Range(0, 1e7),
	))

	properties.TestingRun(t)
}

// TestStatisticsConsistency verifies volume equals credits plus debits.
func TestStatisticsConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("volume splits into credits and debits", prop.ForAll(
		func(amounts []float64) bool {
			s := ComputeStatistics(amountsToTxs(amounts))
			if s.TransactionCount != len(amounts) {
				return false
			}
			if s.CreditCount+s.DebitCount > s.TransactionCount {
				return false
			}
			tolerance := 1e-6 * math.Max(1, s.TotalVolume)
			if math.Abs(s.TotalVolume-(s.TotalCredits+s.TotalDebits)) > tolerance {
				return false
			}
			return s.MinAmount <= s.MaxAmount || len(amounts) == 0
		},
		gen.SliceOf(gen.Float64Range(-1e8, 1e8)),
	))

	properties.TestingRun(t)
}
