package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

type fakeRunner struct {
	mu     sync.Mutex
	actors []string
	calls  atomic.Int32
	delay  time.Duration
	err    error
}

func (f *fakeRunner) RunAs(ctx context.Context, c *domain.Case, userID string) (*pipeline.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.actors = append(f.actors, userID)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, fmt.Errorf("validate: %w", f.err)
	}
	return &pipeline.Result{
		CaseID:         c.CaseID,
		RiskScore:      45,
		Typology:       "structuring",
		GenerationPath: domain.PathFallback,
		Escalations:    []string{"manual_narrative"},
	}, nil
}

func testCase(id string) *domain.Case {
	return &domain.Case{
		CaseID:      id,
		AlertReason: "Cash deposits below threshold",
		Customer:    domain.CustomerProfile{Name: "Test Customer", KYCRiskRating: domain.KYCMedium},
		Transactions: []domain.Transaction{
			{Date: "2024-01-05", Amount: 900000, Currency: "INR", Type: "Cash Deposit"},
		},
	}
}

// collect subscribes to topic and forwards payloads on the returned channel.
func collect(t *testing.T, b domain.EventBus, topic string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 16)
	sub, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func waitFor(t *testing.T, ch <-chan []byte, v any) {
	t.Helper()
	select {
	case payload := <-ch:
		if err := json.Unmarshal(payload, v); err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeRunner{})
		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicCaseSubmitted {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("CompletedPublished", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &fakeRunner{}
		w := NewWorker(eventBus, runner)
		w.Start(Config{})
		defer w.Stop()

		completed := collect(t, eventBus, domain.TopicCaseCompleted)

		if err := Submit(context.Background(), eventBus, testCase("CASE-W1"), "analyst-7", "trace-001"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		var out CompletedMessage
		waitFor(t, completed, &out)
		if out.CaseID != "CASE-W1" || out.TraceID != "trace-001" {
			t.Errorf("unexpected completion %+v", out)
		}
		if out.Status != domain.CaseDraft || out.RiskScore != 45 || out.GenerationPath != domain.PathFallback {
			t.Errorf("unexpected completion %+v", out)
		}
		if len(out.Escalations) != 1 || out.Escalations[0] != "manual_narrative" {
			t.Errorf("unexpected escalations %v", out.Escalations)
		}

		runner.mu.Lock()
		defer runner.mu.Unlock()
		if runner.actors[0] != "analyst-7" {
			t.Errorf("expected submitter as actor, got %s", runner.actors[0])
		}
	})

	t.Run("DefaultActor", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &fakeRunner{}
		w := NewWorker(eventBus, runner)
		w.Start(Config{})
		defer w.Stop()

		completed := collect(t, eventBus, domain.TopicCaseCompleted)
		Submit(context.Background(), eventBus, testCase("CASE-W2"), "", "")

		var out CompletedMessage
		waitFor(t, completed, &out)
		if out.TraceID == "" {
			t.Error("expected message id as trace id")
		}

		runner.mu.Lock()
		defer runner.mu.Unlock()
		if runner.actors[0] != domain.DefaultActor {
			t.Errorf("expected %s, got %s", domain.DefaultActor, runner.actors[0])
		}
	})

	t.Run("RejectedPublished", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			reason string
		}{
			{"Invalid", intake.ErrInvalidCase, ReasonInvalid},
			{"Failed", errors.New("index unavailable"), ReasonFailed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				eventBus := bus.NewChannelBus(100)
				defer eventBus.Close()

				w := NewWorker(eventBus, &fakeRunner{err: tt.err})
				w.Start(Config{})
				defer w.Stop()

				rejected := collect(t, eventBus, domain.TopicCaseRejected)
				Submit(context.Background(), eventBus, testCase("CASE-BAD"), "", "")

				var out RejectedMessage
				waitFor(t, rejected, &out)
				if out.CaseID != "CASE-BAD" || out.Reason != tt.reason {
					t.Errorf("unexpected rejection %+v", out)
				}
				if out.Error == "" {
					t.Error("expected error text")
				}
			})
		}
	})

	t.Run("MalformedMessage", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &fakeRunner{}
		w := NewWorker(eventBus, runner)
		w.Start(Config{})
		defer w.Stop()

		rejected := collect(t, eventBus, domain.TopicCaseRejected)
		eventBus.Publish(context.Background(), domain.TopicCaseSubmitted, []byte(`{"case": null}`))

		var out RejectedMessage
		waitFor(t, rejected, &out)
		if out.Reason != ReasonMalformed {
			t.Errorf("expected %s, got %s", ReasonMalformed, out.Reason)
		}
		if runner.calls.Load() != 0 {
			t.Error("runner must not be called for a malformed message")
		}
	})

	t.Run("StopWaitsForInFlight", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &fakeRunner{delay: 100 * time.Millisecond}
		w := NewWorker(eventBus, runner)
		w.Start(Config{WorkerCount: 4})

		for i := 0; i < 3; i++ {
			Submit(context.Background(), eventBus, testCase(fmt.Sprintf("CASE-%d", i)), "", "")
		}

		deadline := time.Now().Add(2 * time.Second)
		for runner.calls.Load() < 3 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		w.Stop()

		if got := runner.calls.Load(); got != 3 {
			t.Errorf("expected 3 runs, got %d", got)
		}
		if stats := w.GetStats(); stats.InFlight != 0 {
			t.Errorf("expected no in-flight cases after stop, got %d", stats.InFlight)
		}
	})
}
