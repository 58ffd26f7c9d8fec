package domain

// EscalationPolicy is a CEL expression evaluated against a completed run.
// When it evaluates to true the policy label is attached to the case.
type EscalationPolicy struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	Expression  string `json:"expression" yaml:"expression"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// PolicyResult is the outcome of one escalation policy.
type PolicyResult struct {
	PolicyID string `json:"policy_id"`
	Matched  bool   `json:"matched"`
	Error    string `json:"error,omitempty"`
}

// DefaultPolicies returns the built-in escalation policies.
func DefaultPolicies() []EscalationPolicy {
	return []EscalationPolicy{
		{
			ID:          "senior_review",
			Description: "High risk cases require senior compliance review",
			Expression:  "risk_score >= 70",
			Enabled:     true,
		},
		{
			ID:          "fiu_priority",
			Description: "Priority FIU-IND filing for core laundering typologies",
			Expression:  `risk_score >= 50 && typology in ["structuring", "wire_fraud", "layering"]`,
			Enabled:     true,
		},
		{
			ID:          "manual_narrative",
			Description: "Template narratives need analyst rewrite before filing",
			Expression:  "fallback",
			Enabled:     true,
		},
	}
}
