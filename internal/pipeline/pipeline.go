// Package pipeline sequences the SAR generation stages for a case and
// records an audit event at every decision point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/anonymize"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/typology"
)

// ErrCaseNotFound is returned when a review targets an unknown case.
var ErrCaseNotFound = errors.New("case not found")

// Bounds on audit payloads.
const (
	maxReasoning       = 5000
	maxGeneratedOutput = 5000
	maxContextSnippet  = 500
)

// Composer turns an analysed case into a narrative.
type Composer interface {
	Compose(ctx context.Context, in narrative.Input) (*narrative.Narrative, error)
}

var _ Composer = (*narrative.Composer)(nil)

// Deps wires the orchestrator to its stages.
type Deps struct {
	Config     domain.PipelineConfig
	Detection  domain.DetectionConfig
	Scoring    domain.ScoringConfig
	Repo       domain.Repository
	Ledger     *audit.Ledger
	Classifier *typology.Classifier
	Composer   Composer
	Policies   *policy.Engine
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
}

// Orchestrator runs cases through the pipeline. Safe for concurrent use;
// independent cases share no mutable state besides the audit ledger.
type Orchestrator struct {
	cfg        domain.PipelineConfig
	repo       domain.Repository
	ledger     *audit.Ledger
	detector   *analysis.Detector
	scorer     *analysis.Scorer
	classifier *typology.Classifier
	composer   Composer
	policies   *policy.Engine
	metrics    *metrics.Collector
	tracer     trace.Tracer
}

// New creates an orchestrator. Ledger, Classifier and Composer are required.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Classifier == nil || deps.Composer == nil {
		return nil, fmt.Errorf("pipeline requires a ledger, a classifier and a composer")
	}
	if deps.Policies == nil {
		engine, err := policy.NewEngine()
		if err != nil {
			return nil, err
		}
		deps.Policies = engine
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}

	return &Orchestrator{
		cfg:        deps.Config,
		repo:       deps.Repo,
		ledger:     deps.Ledger,
		detector:   analysis.NewDetector(deps.Detection),
		scorer:     analysis.NewScorer(deps.Scoring),
		classifier: deps.Classifier,
		composer:   deps.Composer,
		policies:   deps.Policies,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
	}, nil
}

// Result is the output of one pipeline run.
type Result struct {
	CaseID         string                       `json:"case_id"`
	Narrative      string                       `json:"narrative"`
	Sections       domain.NarrativeSections     `json:"sections"`
	RiskScore      int                          `json:"risk_score"`
	RiskBreakdown  domain.RiskBreakdown         `json:"risk_breakdown"`
	Typology       string                       `json:"typology"`
	Confidence     float64                      `json:"confidence"`
	Findings       []string                     `json:"findings"`
	Statistics     domain.TransactionStatistics `json:"statistics"`
	GenerationPath domain.GenerationPath        `json:"generation_path"`
	ModelVersion   string                       `json:"model_version"`
	Escalations    []string                     `json:"escalations"`
	Explanation    Explanation                  `json:"explanation"`
	AuditTrail     []*domain.AuditEvent         `json:"audit_trail"`
	Anonymized     bool                         `json:"anonymized"`
	Duration       float64                      `json:"duration_seconds"`
}

// Analysis is the output of the deterministic analysis stages.
type Analysis struct {
	Case      *domain.Case                 `json:"case"`
	Stats     domain.TransactionStatistics `json:"stats"`
	Findings  []domain.Finding             `json:"findings"`
	RiskScore int                          `json:"risk_score"`
	Breakdown domain.RiskBreakdown         `json:"risk_breakdown"`
}

// Draft is a composed narrative with the templates it was grounded on.
type Draft struct {
	Narrative *narrative.Narrative `json:"narrative"`
	Templates []domain.Match       `json:"templates"`
}

// TemplateIDs returns the ids of the retrieved templates.
func (d *Draft) TemplateIDs() []string {
	ids := make([]string, len(d.Templates))
	for i, t := range d.Templates {
		ids[i] = t.ID
	}
	return ids
}

// Analyze validates c and runs statistics, pattern detection and risk
// scoring without recording audit events.
func (o *Orchestrator) Analyze(ctx context.Context, c *domain.Case) (*Analysis, error) {
	if err := intake.Validate(c); err != nil {
		return nil, err
	}
	if o.cfg.Anonymize {
		c = anonymize.Case(c)
	}
	stats := analysis.ComputeStatistics(c.Transactions)
	findings := o.detector.Detect(c, stats)
	score, breakdown := o.scorer.Score(findings, stats, c)
	return &Analysis{Case: c, Stats: stats, Findings: findings, RiskScore: score, Breakdown: breakdown}, nil
}

// Classify returns the typology for findings with its regulatory context.
func (o *Orchestrator) Classify(ctx context.Context, findings []domain.Finding, alertReason string) (domain.TypologyClassification, error) {
	cls, err := o.classifier.Classify(ctx, findings, alertReason)
	if err != nil {
		return cls, err
	}
	cls.RegulatoryContext = o.classifier.RegulatoryContext(ctx, cls.Typology)
	return cls, nil
}

// Narrate retrieves reference templates for the case and composes the narrative.
func (o *Orchestrator) Narrate(ctx context.Context, a *Analysis, cls domain.TypologyClassification) (*Draft, error) {
	templates, err := o.templates(ctx, a)
	if err != nil {
		return nil, err
	}
	n, err := o.compose(ctx, a, cls, templates)
	if err != nil {
		return nil, err
	}
	return &Draft{Narrative: n, Templates: templates}, nil
}

// Audit records an event in the ledger.
func (o *Orchestrator) Audit(ctx context.Context, event domain.AuditEvent) *domain.AuditEvent {
	return o.ledger.Record(ctx, event)
}

func (o *Orchestrator) templates(ctx context.Context, a *Analysis) ([]domain.Match, error) {
	summary := typology.CaseSummary(a.Case, a.Stats, a.Findings)
	return o.classifier.RetrieveTemplates(ctx, summary, o.cfg.TemplateTopK)
}

func (o *Orchestrator) compose(ctx context.Context, a *Analysis, cls domain.TypologyClassification, templates []domain.Match) (*narrative.Narrative, error) {
	reference := ""
	if len(templates) > 0 {
		reference = templates[0].Content
	}
	return o.composer.Compose(ctx, narrative.Input{
		Case:              a.Case,
		Stats:             a.Stats,
		Findings:          a.Findings,
		Typology:          cls.Typology,
		RiskScore:         a.RiskScore,
		RegulatoryContext: cls.RegulatoryContext,
		TemplateReference: reference,
	})
}

// Run processes one case as the system actor.
func (o *Orchestrator) Run(ctx context.Context, c *domain.Case) (*Result, error) {
	return o.RunAs(ctx, c, domain.DefaultActor)
}

// RunAs processes one case, attributing pipeline events to userID.
// An invalid case is rejected before any audit event is written.
func (o *Orchestrator) RunAs(ctx context.Context, c *domain.Case, userID string) (*Result, error) {
	start := time.Now()

	if err := intake.Validate(c); err != nil {
		o.recordRun(metrics.OutcomeInvalid)
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("case_id", c.CaseID)))
	defer span.End()

	// Stages run to completion even when the caller goes away mid-run;
	// bounded calls such as generation carry their own timeouts.
	ctx = context.WithoutCancel(ctx)
	caseID := c.CaseID
	record := func(e domain.AuditEvent) {
		e.CaseID = caseID
		e.UserID = userID
		o.ledger.Record(ctx, e)
	}
	fail := func(stage string, err error) error {
		record(domain.AuditEvent{
			EventType: domain.FailedEvent(stage),
			Metadata:  map[string]any{"stage": stage, "error": err.Error()},
		})
		o.recordRun(metrics.OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage+" failed")
		slog.Error("pipeline stage failed", "case_id", caseID, "stage", stage, "error", err)
		return fmt.Errorf("%s: %w", stage, err)
	}

	slog.Info("pipeline started", "case_id", caseID, "transactions", len(c.Transactions))

	// 1. Intake
	record(domain.AuditEvent{
		EventType: domain.EventDataInput,
		InputData: map[string]any{
			"case_id":           caseID,
			"transaction_count": len(c.Transactions),
			"alert_reason":      c.AlertReason,
			"alert_date":        c.AlertDate,
			"anonymized":        o.cfg.Anonymize,
		},
		Metadata: map[string]any{"step": "1_data_input"},
	})
	if o.cfg.Anonymize {
		c = anonymize.Case(c)
	}
	a := &Analysis{Case: c}

	// 2. Statistics
	o.stage(ctx, domain.EventAnalysis, func(context.Context) error {
		a.Stats = analysis.ComputeStatistics(c.Transactions)
		return nil
	})
	record(domain.AuditEvent{
		EventType: domain.EventAnalysis,
		Metadata:  map[string]any{"step": "2_transaction_stats", "stats": a.Stats},
	})

	// 3. Patterns
	o.stage(ctx, domain.EventPatternDetection, func(context.Context) error {
		a.Findings = o.detector.Detect(c, a.Stats)
		return nil
	})
	record(domain.AuditEvent{
		EventType: domain.EventPatternDetection,
		Metadata: map[string]any{
			"step":     "3_pattern_detection",
			"patterns": domain.FindingTexts(a.Findings),
			"count":    len(a.Findings),
		},
	})

	// 4. Risk
	o.stage(ctx, domain.EventRiskScoring, func(context.Context) error {
		a.RiskScore, a.Breakdown = o.scorer.Score(a.Findings, a.Stats, c)
		return nil
	})
	record(domain.AuditEvent{
		EventType: domain.EventRiskScoring,
		Metadata: map[string]any{
			"step":       "4_risk_scoring",
			"risk_score": a.RiskScore,
			"breakdown":  a.Breakdown,
		},
	})

	// 5. Typology, regulatory context and templates
	// Retrieval failures degrade to an unknown typology or no templates;
	// the errors are kept on the rag_retrieval event.
	var cls domain.TypologyClassification
	var templates []domain.Match
	ragMeta := map[string]any{"step": "5_rag_retrieval"}
	o.stage(ctx, domain.EventRAGRetrieval, func(ctx context.Context) error {
		var errs []error
		var err error
		if cls, err = o.Classify(ctx, a.Findings, c.AlertReason); err != nil {
			slog.Warn("typology retrieval failed, classifying as unknown", "case_id", caseID, "error", err)
			cls = domain.TypologyClassification{
				Typology:          domain.UnknownTypology,
				Distance:          1,
				RegulatoryContext: o.classifier.RegulatoryContext(ctx, domain.UnknownTypology),
			}
			ragMeta["typology_error"] = err.Error()
			errs = append(errs, err)
		}
		if templates, err = o.templates(ctx, a); err != nil {
			slog.Warn("template retrieval failed, composing without a reference", "case_id", caseID, "error", err)
			templates = nil
			ragMeta["template_error"] = err.Error()
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	draft := &Draft{Templates: templates}
	confidence := cls.Confidence
	record(domain.AuditEvent{
		EventType: domain.EventRAGRetrieval,
		RetrievedContext: map[string]any{
			"templates_used":             draft.TemplateIDs(),
			"typology":                   cls.Typology,
			"typology_confidence":        cls.Confidence,
			"typology_distance":          cls.Distance,
			"keyword_boost":              cls.KeywordBoost,
			"regulatory_context_snippet": truncate(cls.RegulatoryContext, maxContextSnippet),
		},
		ConfidenceScore: &confidence,
		Metadata:        ragMeta,
	})

	// 6. Narrative
	err := o.stage(ctx, domain.EventLLMGeneration, func(ctx context.Context) error {
		var err error
		draft.Narrative, err = o.compose(ctx, a, cls, templates)
		return err
	})
	if err != nil {
		return nil, fail(domain.EventLLMGeneration, err)
	}
	n := draft.Narrative
	reasoning, _ := marshalBounded(n.Audit, maxReasoning)
	narrativeConfidence := float64(n.Confidence)
	genMeta := map[string]any{"step": "6_llm_generation", "generation_path": n.Path}
	if n.Err != nil {
		genMeta["fallback_reason"] = n.Err.Error()
	}
	record(domain.AuditEvent{
		EventType:       domain.EventLLMGeneration,
		LLMReasoning:    reasoning,
		GeneratedOutput: truncate(n.Text, maxGeneratedOutput),
		ModelVersion:    n.Model,
		ConfidenceScore: &narrativeConfidence,
		Metadata:        genMeta,
	})

	// 7. Escalation policies
	var outcome policy.Outcome
	o.stage(ctx, domain.EventPolicy, func(ctx context.Context) error {
		outcome = o.policies.Evaluate(ctx, policy.Input{
			RiskScore:   a.RiskScore,
			Typology:    cls.Typology,
			Confidence:  cls.Confidence,
			Findings:    a.Findings,
			KYC:         c.Customer.KYCRiskRating,
			TotalVolume: a.Stats.TotalVolume,
			Fallback:    n.Fallback(),
		})
		return nil
	})
	record(domain.AuditEvent{
		EventType:       domain.EventPolicy,
		GeneratedOutput: outcome.Results,
		Metadata:        map[string]any{"step": "7_policy_evaluation", "escalations": outcome.Matched},
	})

	// 8. Explainability
	explanation := Explain(a, cls, draft)
	record(domain.AuditEvent{
		EventType: domain.EventExplainability,
		Metadata: map[string]any{
			"step":       "8_explainability",
			"red_flags":  n.RedFlags,
			"typology":   cls.Typology,
			"confidence": cls.Confidence,
		},
	})

	// 9. Draft case record
	if o.repo != nil {
		rec := &domain.CaseRecord{
			CaseID:         caseID,
			Status:         domain.CaseDraft,
			RiskScore:      a.RiskScore,
			Typology:       cls.Typology,
			Confidence:     cls.Confidence,
			GenerationPath: n.Path,
			Narrative:      n.Text,
			Sections:       n.Sections,
			Escalations:    outcome.Matched,
		}
		if err := o.repo.SaveCase(ctx, rec); err != nil {
			slog.Error("failed to save case record", "case_id", caseID, "error", err)
		}
	}

	o.recordRun(metrics.OutcomeCompleted)
	if o.metrics != nil {
		o.metrics.RecordResult(a.RiskScore, string(n.Path), outcome.Matched)
	}
	span.SetAttributes(
		attribute.Int("risk_score", a.RiskScore),
		attribute.String("typology", cls.Typology),
		attribute.String("generation_path", string(n.Path)),
	)

	elapsed := time.Since(start)
	slog.Info("pipeline complete",
		"case_id", caseID,
		"risk_score", a.RiskScore,
		"typology", cls.Typology,
		"generation_path", n.Path,
		"escalations", outcome.Matched,
		"duration_ms", elapsed.Milliseconds(),
	)

	return &Result{
		CaseID:         caseID,
		Narrative:      n.Text,
		Sections:       n.Sections,
		RiskScore:      a.RiskScore,
		RiskBreakdown:  a.Breakdown,
		Typology:       cls.Typology,
		Confidence:     cls.Confidence,
		Findings:       domain.FindingTexts(a.Findings),
		Statistics:     a.Stats,
		GenerationPath: n.Path,
		ModelVersion:   n.Model,
		Escalations:    outcome.Matched,
		Explanation:    explanation,
		AuditTrail:     o.ledger.Trail(ctx, caseID),
		Anonymized:     o.cfg.Anonymize,
		Duration:       elapsed.Seconds(),
	}, nil
}

// stage runs fn inside a span and observes its duration.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if o.metrics != nil {
		o.metrics.RecordStage(name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) recordRun(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordRun(outcome)
	}
}

// Policies returns the escalation policy engine.
func (o *Orchestrator) Policies() *policy.Engine {
	return o.policies
}
