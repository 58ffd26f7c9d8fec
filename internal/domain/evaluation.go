package domain

import "time"

// TransactionStatistics is the aggregate view of a transaction list.
// It is derived per run and never persisted on its own.
type TransactionStatistics struct {
	TransactionCount    int            `json:"transaction_count"`
	TotalVolume         float64        `json:"total_volume"`
	TotalCredits        float64        `json:"total_credits"`
	TotalDebits         float64        `json:"total_debits"`
	CreditCount         int            `json:"credit_count"`
	DebitCount          int            `json:"debit_count"`
	AvgAmount           float64        `json:"avg_amount"`
	MaxAmount           float64        `json:"max_amount"`
	MinAmount           float64        `json:"min_amount"`
	DateRangeStart      string         `json:"date_range_start"`
	DateRangeEnd        string         `json:"date_range_end"`
	DateRangeDays       int            `json:"date_range_days"`
	TransactionTypes    map[string]int `json:"transaction_types"`
	Currency            string         `json:"currency"`
	UniqueOriginators   int            `json:"unique_originators"`
	UniqueBeneficiaries int            `json:"unique_beneficiaries"`
}

// FindingKind identifies which heuristic produced a finding.
type FindingKind string

const (
	FindingStructuring    FindingKind = "structuring"
	FindingVolumeSpike    FindingKind = "volume_spike"
	FindingRapidMovement  FindingKind = "rapid_movement"
	FindingSmallDeposits  FindingKind = "multiple_small_deposits"
	FindingIncomeMismatch FindingKind = "income_mismatch"
	FindingOriginators    FindingKind = "multiple_originators"
	FindingRoundNumbers   FindingKind = "round_numbers"
	FindingLargeTx        FindingKind = "large_transaction"
	FindingHighRiskTypes  FindingKind = "high_risk_transfer_types"
)

// Finding is one triggered suspicious-pattern heuristic.
type Finding struct {
	Kind FindingKind `json:"kind"`
	Text string      `json:"text"`
}

func (f Finding) String() string {
	return f.Text
}

// FindingTexts returns the descriptive strings of the findings in order.
func FindingTexts(findings []Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Text
	}
	return out
}

// RiskBreakdown shows how each additive term contributed to the risk score.
type RiskBreakdown struct {
	PatternTerm      int     `json:"pattern_term"`
	VolumeTerm       int     `json:"volume_term"`
	KYCTerm          int     `json:"kyc_term"`
	CounterpartyTerm int     `json:"counterparty_term"`
	VolumeRatio      float64 `json:"volume_ratio"`
	Total            int     `json:"total"`
}

// CaseStatus is the review state of a stored case.
type CaseStatus string

const (
	CaseDraft    CaseStatus = "draft"
	CaseApproved CaseStatus = "approved"
	CaseRejected CaseStatus = "rejected"
)

// CaseRecord is the durable summary of a pipeline run and its review outcome.
type CaseRecord struct {
	CaseID         string            `json:"case_id"`
	Status         CaseStatus        `json:"status"`
	RiskScore      int               `json:"risk_score"`
	Typology       string            `json:"typology"`
	Confidence     float64           `json:"confidence"`
	GenerationPath GenerationPath    `json:"generation_path"`
	Narrative      string            `json:"narrative"`
	Sections       NarrativeSections `json:"sections"`
	Escalations    []string          `json:"escalations,omitempty"`
	ReviewedBy     string            `json:"reviewed_by,omitempty"`
	ReviewComment  string            `json:"review_comment,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
