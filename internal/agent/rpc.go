package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Agent methods.
const (
	MethodEnrichCase        = "enrich_case"
	MethodClassifyTypology  = "classify_typology"
	MethodGenerateNarrative = "generate_narrative"
	MethodLogStep           = "log_step"
	MethodOrchestrate       = "orchestrate_sar"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// JSONRPCVersion is the envelope version carried by every message.
const JSONRPCVersion = "2.0"

// AgentMessage is a JSON-RPC 2.0 style request addressed to an agent.
type AgentMessage struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  MessageParams `json:"params"`
}

// MessageParams carries the sender, receiver and method payload.
type MessageParams struct {
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message with a fresh id and an encoded payload.
func NewMessage(sender, receiver, method string, payload any) (*AgentMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}
	return &AgentMessage{
		JSONRPC: JSONRPCVersion,
		ID:      "msg-" + uuid.NewString(),
		Method:  method,
		Params: MessageParams{
			Sender:    sender,
			Receiver:  receiver,
			Payload:   raw,
			Timestamp: time.Now().UTC(),
		},
	}, nil
}

// AgentResult is the reply of an agent to one message.
type AgentResult struct {
	Agent     string    `json:"agent"`
	Status    string    `json:"status"`
	Data      any       `json:"data"`
	Duration  float64   `json:"duration_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed reports whether the agent could not complete the task.
func (r *AgentResult) Failed() bool {
	return r.Status == StatusFailed
}

type handlerFunc func(ctx context.Context, msg *AgentMessage) (any, error)

type route struct {
	agent string
	fn    handlerFunc
}

// Coordinator dispatches agent messages to the stage agents.
type Coordinator struct {
	stages Stages
	routes map[string]route
}

// NewCoordinator creates a coordinator over stages.
func NewCoordinator(stages Stages) *Coordinator {
	c := &Coordinator{stages: stages}
	c.routes = map[string]route{
		MethodEnrichCase:        {AgentDataEnrichment, c.enrich},
		MethodClassifyTypology:  {AgentTypology, c.classify},
		MethodGenerateNarrative: {AgentNarrative, c.narrate},
		MethodLogStep:           {AgentAudit, c.logStep},
		MethodOrchestrate:       {AgentCoordinator, c.orchestrate},
	}
	return c
}

// Handle executes one message. An unknown method is an error; a stage
// failure is a result with status failed.
func (c *Coordinator) Handle(ctx context.Context, msg *AgentMessage) (*AgentResult, error) {
	r, ok := c.routes[msg.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Method)
	}

	start := time.Now()
	data, err := r.fn(ctx, msg)
	res := &AgentResult{
		Agent:     r.agent,
		Status:    StatusCompleted,
		Data:      data,
		Duration:  roundMillis(time.Since(start)),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		slog.Warn("agent task failed", "agent", r.agent, "method", msg.Method, "id", msg.ID, "error", err)
		res.Status = StatusFailed
		res.Data = map[string]string{"error": err.Error()}
	}
	return res, nil
}

func roundMillis(d time.Duration) float64 {
	return float64(d.Round(time.Millisecond)) / float64(time.Second)
}

type enrichPayload struct {
	CaseJSON json.RawMessage `json:"case_json"`
}

// EnrichData is the data of a completed enrich_case task.
type EnrichData struct {
	CaseID    string               `json:"case_id"`
	Patterns  []string             `json:"patterns"`
	RiskScore int                  `json:"risk_score"`
	Analysis  *pipeline.Analysis   `json:"analysis"`
	Breakdown domain.RiskBreakdown `json:"risk_breakdown"`
}

func (c *Coordinator) enrich(ctx context.Context, msg *AgentMessage) (any, error) {
	var p enrichPayload
	if err := json.Unmarshal(msg.Params.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(p.CaseJSON) == 0 {
		return nil, fmt.Errorf("case_json is required")
	}
	cs, err := intake.DecodeBytes(p.CaseJSON)
	if err != nil {
		return nil, err
	}
	a, err := c.stages.Analyze(ctx, cs)
	if err != nil {
		return nil, err
	}
	return &EnrichData{
		CaseID:    a.Case.CaseID,
		Patterns:  domain.FindingTexts(a.Findings),
		RiskScore: a.RiskScore,
		Analysis:  a,
		Breakdown: a.Breakdown,
	}, nil
}

type classifyPayload struct {
	Patterns    []string `json:"patterns"`
	AlertReason string   `json:"alert_reason"`
}

func (c *Coordinator) classify(ctx context.Context, msg *AgentMessage) (any, error) {
	var p classifyPayload
	if err := json.Unmarshal(msg.Params.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return c.stages.Classify(ctx, findingsFromText(p.Patterns), p.AlertReason)
}

type narratePayload struct {
	Analysis       *pipeline.Analysis            `json:"analysis"`
	Classification domain.TypologyClassification `json:"classification"`
}

// NarrativeData is the data of a completed generate_narrative task.
type NarrativeData struct {
	Narrative     any      `json:"narrative"`
	LLMAudit      any      `json:"llm_audit"`
	TemplatesUsed []string `json:"templates_used"`
}

func (c *Coordinator) narrate(ctx context.Context, msg *AgentMessage) (any, error) {
	var p narratePayload
	if err := json.Unmarshal(msg.Params.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.Analysis == nil || p.Analysis.Case == nil {
		return nil, fmt.Errorf("analysis with case is required")
	}
	d, err := c.stages.Narrate(ctx, p.Analysis, p.Classification)
	if err != nil {
		return nil, err
	}
	return &NarrativeData{
		Narrative:     d.Narrative,
		LLMAudit:      d.Narrative.Audit,
		TemplatesUsed: d.TemplateIDs(),
	}, nil
}

type logPayload struct {
	CaseID    string `json:"case_id"`
	EventType string `json:"event_type"`
	Step      string `json:"step"`
	InputData any    `json:"input_data"`
}

func (c *Coordinator) logStep(ctx context.Context, msg *AgentMessage) (any, error) {
	var p logPayload
	if err := json.Unmarshal(msg.Params.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.CaseID == "" {
		return nil, fmt.Errorf("case_id is required")
	}
	if p.EventType == "" {
		p.EventType = domain.EventAgentStep
	}

	e := c.stages.Audit(ctx, domain.AuditEvent{
		CaseID:    p.CaseID,
		EventType: p.EventType,
		UserID:    "a2a:" + msg.Params.Sender,
		InputData: p.InputData,
		Metadata: map[string]any{
			"source":       "a2a_protocol",
			"sender_agent": msg.Params.Sender,
			"step":         p.Step,
		},
	})
	return map[string]any{
		"logged":     true,
		"case_id":    e.CaseID,
		"event_type": e.EventType,
		"sequence":   e.Sequence,
	}, nil
}

// OrchestrateData is the data of an orchestrate_sar task.
type OrchestrateData struct {
	Status     string         `json:"status"`
	CaseID     string         `json:"case_id"`
	Error      string         `json:"error,omitempty"`
	Steps      []*AgentResult `json:"agent_steps"`
	Enrichment any            `json:"data,omitempty"`
	Typology   any            `json:"typology,omitempty"`
	Narrative  any            `json:"narrative,omitempty"`
}

// orchestrate runs enrichment, classification and narration by message,
// logging each step through the audit agent.
func (c *Coordinator) orchestrate(ctx context.Context, msg *AgentMessage) (any, error) {
	out := &OrchestrateData{}

	step := func(receiver, method string, payload any) (*AgentResult, error) {
		m, err := NewMessage(AgentCoordinator, receiver, method, payload)
		if err != nil {
			return nil, err
		}
		res, err := c.Handle(ctx, m)
		if err != nil {
			return nil, err
		}
		out.Steps = append(out.Steps, res)
		return res, nil
	}
	logStep := func(sender, name string, input any) error {
		m, err := NewMessage(sender, AgentAudit, MethodLogStep, logPayload{
			CaseID:    out.CaseID,
			EventType: "a2a_" + name,
			Step:      name,
			InputData: input,
		})
		if err != nil {
			return err
		}
		res, err := c.Handle(ctx, m)
		if err != nil {
			return err
		}
		out.Steps = append(out.Steps, res)
		return nil
	}
	failed := func(what string) *OrchestrateData {
		out.Status = StatusFailed
		out.Error = what
		return out
	}

	enrich, err := step(AgentDataEnrichment, MethodEnrichCase, json.RawMessage(msg.Params.Payload))
	if err != nil {
		return nil, err
	}
	if enrich.Failed() {
		return failed("Data enrichment failed"), nil
	}
	data := enrich.Data.(*EnrichData)
	out.CaseID = data.CaseID
	out.Enrichment = data
	if err := logStep(AgentDataEnrichment, "data_enrichment", map[string]any{
		"patterns_found": len(data.Patterns),
		"risk_score":     data.RiskScore,
	}); err != nil {
		return nil, err
	}

	typ, err := step(AgentTypology, MethodClassifyTypology, classifyPayload{
		Patterns:    data.Patterns,
		AlertReason: data.Analysis.Case.AlertReason,
	})
	if err != nil {
		return nil, err
	}
	if typ.Failed() {
		return failed("Typology classification failed"), nil
	}
	cls := typ.Data.(domain.TypologyClassification)
	out.Typology = cls
	if err := logStep(AgentTypology, "typology_classification", map[string]any{
		"typology":   cls.Typology,
		"confidence": cls.Confidence,
	}); err != nil {
		return nil, err
	}

	narr, err := step(AgentNarrative, MethodGenerateNarrative, narratePayload{
		Analysis:       data.Analysis,
		Classification: cls,
	})
	if err != nil {
		return nil, err
	}
	out.Narrative = narr.Data
	if err := logStep(AgentNarrative, "narrative_generation", map[string]any{
		"generation_time": narr.Duration,
		"status":          narr.Status,
	}); err != nil {
		return nil, err
	}

	out.Status = StatusCompleted
	if narr.Failed() {
		out.Status = StatusPartial
	}
	slog.Info("agent pipeline complete", "case_id", out.CaseID, "status", out.Status, "steps", len(out.Steps))
	return out, nil
}
