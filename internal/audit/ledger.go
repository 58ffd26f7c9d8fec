// Package audit records the append-only decision trail of each case.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Ledger records audit events. Writes go to an in-memory trail and to the
// durable store when one is configured; a store failure is logged and never
// returned to the caller. Safe for concurrent use.
type Ledger struct {
	store domain.AuditStore
	bus   domain.EventBus
	now   func() time.Time

	mu    sync.Mutex
	cases map[string]*caseTrail

	storeFailures atomic.Int64
}

type caseTrail struct {
	mu     sync.Mutex
	loaded bool
	seq    int64
	last   time.Time
	events []*domain.AuditEvent
}

// NewLedger creates a ledger. store and bus may be nil.
func NewLedger(store domain.AuditStore, bus domain.EventBus) *Ledger {
	return &Ledger{
		store: store,
		bus:   bus,
		now:   time.Now,
		cases: make(map[string]*caseTrail),
	}
}

func (l *Ledger) trail(caseID string) *caseTrail {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.cases[caseID]
	if !ok {
		t = &caseTrail{}
		l.cases[caseID] = t
	}
	return t
}

// Record assigns the event an id, the next per-case sequence and a per-case
// monotonic timestamp, then stores it. The recorded copy is returned.
func (l *Ledger) Record(ctx context.Context, event domain.AuditEvent) *domain.AuditEvent {
	t := l.trail(event.CaseID)

	t.mu.Lock()
	l.resume(ctx, event.CaseID, t)

	e := event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.UserID == "" {
		e.UserID = domain.DefaultActor
	}

	ts := l.now().UTC()
	if !ts.After(t.last) {
		ts = t.last.Add(time.Microsecond)
	}
	t.last = ts
	t.seq++
	e.Sequence = t.seq
	e.Timestamp = ts

	t.events = append(t.events, &e)

	if l.store != nil {
		if err := l.store.AppendAuditEvent(ctx, &e); err != nil {
			l.storeFailures.Add(1)
			slog.Warn("audit store write failed, event kept in memory",
				"case_id", e.CaseID, "event_type", e.EventType, "sequence", e.Sequence, "error", err)
		}
	}
	t.mu.Unlock()

	slog.Debug("audit event recorded", "case_id", e.CaseID, "event_type", e.EventType, "sequence", e.Sequence)
	l.publish(ctx, &e)

	out := e
	return &out
}

// resume continues the sequence of a case that already has durable events,
// such as a review recorded after a restart. Called with t.mu held.
func (l *Ledger) resume(ctx context.Context, caseID string, t *caseTrail) {
	if t.loaded {
		return
	}
	t.loaded = true
	if l.store == nil {
		return
	}

	events, err := l.store.ListAuditEvents(ctx, caseID)
	if err != nil {
		slog.Warn("failed to read audit trail, sequence starts from memory", "case_id", caseID, "error", err)
		return
	}
	if n := len(events); n > 0 {
		last := events[n-1]
		t.seq = last.Sequence
		t.last = last.Timestamp.UTC()
	}
}

func (l *Ledger) publish(ctx context.Context, e *domain.AuditEvent) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("failed to encode audit event", "case_id", e.CaseID, "error", err)
		return
	}

	if kp, ok := l.bus.(domain.KeyedPublisher); ok {
		err = kp.PublishKeyed(ctx, domain.TopicAuditRecorded, e.CaseID, payload)
	} else {
		err = l.bus.Publish(ctx, domain.TopicAuditRecorded, payload)
	}
	if err != nil {
		slog.Warn("failed to publish audit event", "case_id", e.CaseID, "event_type", e.EventType, "error", err)
	}
}

// Trail returns the events of a case in sequence order. The durable store
// is preferred; the in-memory trail serves when the store is missing,
// failing or empty for the case.
func (l *Ledger) Trail(ctx context.Context, caseID string) []*domain.AuditEvent {
	if l.store != nil {
		events, err := l.store.ListAuditEvents(ctx, caseID)
		if err != nil {
			slog.Warn("audit store read failed, using in-memory trail", "case_id", caseID, "error", err)
		} else if len(events) > 0 {
			return events
		}
	}
	return l.memory(caseID)
}

func (l *Ledger) memory(caseID string) []*domain.AuditEvent {
	l.mu.Lock()
	t, ok := l.cases[caseID]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.AuditEvent, len(t.events))
	copy(out, t.events)
	return out
}

// StoreFailures returns the number of events that could not be written durably.
func (l *Ledger) StoreFailures() int64 {
	return l.storeFailures.Load()
}
