// Package worker runs submitted cases through the pipeline asynchronously.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Runner executes the pipeline for one case. *pipeline.Orchestrator implements it.
type Runner interface {
	RunAs(ctx context.Context, c *domain.Case, userID string) (*pipeline.Result, error)
}

// Worker consumes TopicCaseSubmitted and publishes the outcome of each run.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	sem           chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds the number of cases processed at once.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SubmitMessage is the payload of TopicCaseSubmitted.
type SubmitMessage struct {
	Case        *domain.Case `json:"case"`
	SubmittedBy string       `json:"submitted_by,omitempty"`
	TraceID     string       `json:"trace_id,omitempty"`
}

// CompletedMessage is the payload of TopicCaseCompleted.
type CompletedMessage struct {
	CaseID         string                `json:"case_id"`
	TraceID        string                `json:"trace_id,omitempty"`
	Status         domain.CaseStatus     `json:"status"`
	RiskScore      int                   `json:"risk_score"`
	Typology       string                `json:"typology"`
	GenerationPath domain.GenerationPath `json:"generation_path"`
	Escalations    []string              `json:"escalations"`
	DurationMs     int64                 `json:"duration_ms"`
}

// RejectedMessage is the payload of TopicCaseRejected.
type RejectedMessage struct {
	CaseID  string `json:"case_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// Rejection reasons.
const (
	ReasonMalformed = "malformed_message"
	ReasonInvalid   = "invalid_case"
	ReasonFailed    = "pipeline_failed"
)

// Submit publishes a case for asynchronous processing.
func Submit(ctx context.Context, bus domain.EventBus, c *domain.Case, submittedBy, traceID string) error {
	payload, err := json.Marshal(SubmitMessage{Case: c, SubmittedBy: submittedBy, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	if kp, ok := bus.(domain.KeyedPublisher); ok {
		return kp.PublishKeyed(ctx, domain.TopicCaseSubmitted, c.CaseID, payload)
	}
	return bus.Publish(ctx, domain.TopicCaseSubmitted, payload)
}

// Start subscribes to case submissions.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	w.sem = make(chan struct{}, cfg.WorkerCount)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicCaseSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("case worker started",
		"topic", domain.TopicCaseSubmitted,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// handleMessage hands the message to a bounded goroutine so a slow
// generation backend does not stall the subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.processCase(w.ctx, msg)
	}()
	return nil
}

// processCase runs one submitted case and publishes the outcome.
func (w *Worker) processCase(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	var sm SubmitMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil || sm.Case == nil {
		if err == nil {
			err = errors.New("case is required")
		}
		slog.Error("failed to parse case submission",
			"message_id", msg.ID,
			"error", err,
		)
		w.publish(ctx, domain.TopicCaseRejected, msg.Key, RejectedMessage{
			CaseID: msg.Key,
			Reason: ReasonMalformed,
			Error:  err.Error(),
		})
		return
	}

	traceID := sm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}
	actor := sm.SubmittedBy
	if actor == "" {
		actor = domain.DefaultActor
	}

	slog.Debug("processing case",
		"case_id", sm.Case.CaseID,
		"trace_id", traceID,
	)

	res, err := w.runner.RunAs(ctx, sm.Case, actor)
	if err != nil {
		reason := ReasonFailed
		if errors.Is(err, intake.ErrInvalidCase) {
			reason = ReasonInvalid
		}
		slog.Error("case processing failed",
			"case_id", sm.Case.CaseID,
			"trace_id", traceID,
			"reason", reason,
			"error", err,
		)
		w.publish(ctx, domain.TopicCaseRejected, sm.Case.CaseID, RejectedMessage{
			CaseID:  sm.Case.CaseID,
			TraceID: traceID,
			Reason:  reason,
			Error:   err.Error(),
		})
		return
	}

	w.publish(ctx, domain.TopicCaseCompleted, res.CaseID, CompletedMessage{
		CaseID:         res.CaseID,
		TraceID:        traceID,
		Status:         domain.CaseDraft,
		RiskScore:      res.RiskScore,
		Typology:       res.Typology,
		GenerationPath: res.GenerationPath,
		Escalations:    res.Escalations,
		DurationMs:     time.Since(start).Milliseconds(),
	})

	slog.Info("case processed",
		"case_id", res.CaseID,
		"trace_id", traceID,
		"risk_score", res.RiskScore,
		"typology", res.Typology,
		"generation_path", res.GenerationPath,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) publish(ctx context.Context, topic, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode outcome", "topic", topic, "case_id", key, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	if kp, ok := w.bus.(domain.KeyedPublisher); ok && key != "" {
		err = kp.PublishKeyed(ctx, topic, key, payload)
	} else {
		err = w.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Error("failed to publish outcome",
			"topic", topic,
			"case_id", key,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight cases.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("case worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"in_flight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
