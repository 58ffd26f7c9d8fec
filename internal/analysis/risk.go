package analysis

import "github.com/opensource-finance/kestrel/internal/domain"

// Scorer computes the additive case risk score.
type Scorer struct {
	cfg domain.ScoringConfig
}

// NewScorer creates a scorer with the given weights.
func NewScorer(cfg domain.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score runs the default scorer.
func Score(findings []domain.Finding, stats domain.TransactionStatistics, c *domain.Case) (int, domain.RiskBreakdown) {
	return NewScorer(domain.DefaultScoring()).Score(findings, stats, c)
}

// Score returns the risk score in [0, 100] and the contribution of each term.
func (s *Scorer) Score(findings []domain.Finding, stats domain.TransactionStatistics, c *domain.Case) (int, domain.RiskBreakdown) {
	cfg := s.cfg
	var b domain.RiskBreakdown

	b.PatternTerm = min(len(findings)*cfg.PatternWeight, cfg.PatternCap)

	expected := c.Customer.ExpectedMonthlyVolume
	if expected > 0 && stats.TotalVolume > 0 {
		b.VolumeRatio = stats.TotalVolume / expected
		for _, tier := range cfg.VolumeTiers {
			if b.VolumeRatio > tier.Ratio {
				b.VolumeTerm = tier.Points
				break
			}
		}
	}

	if pts, ok := cfg.KYCWeights[c.Customer.KYCRiskRating]; ok {
		b.KYCTerm = pts
	} else {
		b.KYCTerm = cfg.KYCDefault
	}

	switch {
	case stats.UniqueOriginators > cfg.OriginatorHigh:
		b.CounterpartyTerm = cfg.OriginatorHighPts
	case stats.UniqueOriginators > cfg.OriginatorLow:
		b.CounterpartyTerm = cfg.OriginatorLowPts
	}

	total := b.PatternTerm + b.VolumeTerm + b.KYCTerm + b.CounterpartyTerm
	b.Total = max(0, min(total, 100))
	return b.Total, b
}
