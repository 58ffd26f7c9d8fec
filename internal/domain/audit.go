package domain

import (
	"context"
	"time"
)

// Event types written by the pipeline and by reviewers.
const (
	EventDataInput        = "data_input"
	EventAnalysis         = "analysis"
	EventPatternDetection = "pattern_detection"
	EventRiskScoring      = "risk_scoring"
	EventRAGRetrieval     = "rag_retrieval"
	EventLLMGeneration    = "llm_generation"
	EventPolicy           = "policy_evaluation"
	EventExplainability   = "explainability"
	EventApproval         = "approval"
	EventRejection        = "rejection"
	EventAgentStep        = "agent_step"
)

// FailedEvent returns the event type recorded when a stage fails.
func FailedEvent(stage string) string {
	return stage + "_failed"
}

// AuditEvent is one immutable record of a decision point. Every field is
// always serialized; absent values are null or empty.
type AuditEvent struct {
	ID               string         `json:"id"`
	CaseID           string         `json:"case_id"`
	Sequence         int64          `json:"sequence"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        string         `json:"event_type"`
	UserID           string         `json:"user_id"`
	InputData        any            `json:"input_data"`
	RetrievedContext any            `json:"retrieved_context"`
	LLMReasoning     string         `json:"llm_reasoning"`
	GeneratedOutput  any            `json:"generated_output"`
	HumanEdits       any            `json:"human_edits"`
	ModelVersion     string         `json:"model_version"`
	ConfidenceScore  *float64       `json:"confidence_score"`
	Metadata         map[string]any `json:"metadata"`
}

// AuditStore is the durable store contract used by the audit ledger.
// Events for a case are returned in sequence order.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, caseID string) ([]*AuditEvent, error)
}
