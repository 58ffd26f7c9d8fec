package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/archive"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// failingStore rejects every write and read.
type failingStore struct{}

func (failingStore) AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	return errors.New("database is locked")
}

func (failingStore) ListAuditEvents(ctx context.Context, caseID string) ([]*domain.AuditEvent, error) {
	return nil, errors.New("database is locked")
}

func newSQLiteStore(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLedgerRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("AssignsSequenceAndDefaults", func(t *testing.T) {
		l := NewLedger(nil, nil)
		first := l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventDataInput})
		second := l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventAnalysis, UserID: "analyst"})
		other := l.Record(ctx, domain.AuditEvent{CaseID: "C2", EventType: domain.EventDataInput})

		if first.Sequence != 1 || second.Sequence != 2 || other.Sequence != 1 {
			t.Errorf("unexpected sequences %d %d %d", first.Sequence, second.Sequence, other.Sequence)
		}
		if first.ID == "" || first.ID == second.ID {
			t.Error("expected distinct event ids")
		}
		if first.UserID != domain.DefaultActor || second.UserID != "analyst" {
			t.Errorf("unexpected users %q %q", first.UserID, second.UserID)
		}
		if !second.Timestamp.After(first.Timestamp) {
			t.Error("expected strictly increasing timestamps")
		}
	})

	t.Run("MonotonicWithFrozenClock", func(t *testing.T) {
		l := NewLedger(nil, nil)
		frozen := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
		l.now = func() time.Time { return frozen }

		a := l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: "a"})
		b := l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: "b"})
		if !b.Timestamp.After(a.Timestamp) {
			t.Errorf("expected %v after %v", b.Timestamp, a.Timestamp)
		}
	})

	t.Run("StoreFailureFallsBackToMemory", func(t *testing.T) {
		l := NewLedger(failingStore{}, nil)
		l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventDataInput})
		l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventAnalysis})

		trail := l.Trail(ctx, "C1")
		if len(trail) != 2 {
			t.Fatalf("expected 2 in-memory events, got %d", len(trail))
		}
		if trail[0].EventType != domain.EventDataInput || trail[1].EventType != domain.EventAnalysis {
			t.Errorf("unexpected order %s, %s", trail[0].EventType, trail[1].EventType)
		}
		if l.StoreFailures() != 2 {
			t.Errorf("expected 2 store failures, got %d", l.StoreFailures())
		}
	})

	t.Run("ConcurrentWritersSameCase", func(t *testing.T) {
		l := NewLedger(nil, nil)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: "step"})
			}()
		}
		wg.Wait()

		trail := l.Trail(ctx, "C1")
		if len(trail) != 50 {
			t.Fatalf("expected 50 events, got %d", len(trail))
		}
		for i, e := range trail {
			if e.Sequence != int64(i+1) {
				t.Fatalf("event %d has sequence %d", i, e.Sequence)
			}
			if i > 0 && !e.Timestamp.After(trail[i-1].Timestamp) {
				t.Fatalf("event %d timestamp not increasing", i)
			}
		}
	})

	t.Run("DurableStore", func(t *testing.T) {
		store := newSQLiteStore(t)
		l := NewLedger(store, nil)
		l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventDataInput, InputData: map[string]any{"transaction_count": 4}})
		l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventAnalysis})

		events, err := store.ListAuditEvents(ctx, "C1")
		if err != nil {
			t.Fatalf("ListAuditEvents failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 durable events, got %d", len(events))
		}
		if l.StoreFailures() != 0 {
			t.Errorf("unexpected store failures: %d", l.StoreFailures())
		}
	})

	t.Run("ResumesSequenceAfterRestart", func(t *testing.T) {
		store := newSQLiteStore(t)
		NewLedger(store, nil).Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventDataInput})

		restarted := NewLedger(store, nil)
		e := restarted.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventApproval})
		if e.Sequence != 2 {
			t.Errorf("expected sequence 2 after restart, got %d", e.Sequence)
		}
		if restarted.StoreFailures() != 0 {
			t.Error("resumed write should not collide with existing sequence")
		}
	})

	t.Run("PublishesToBus", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()

		received := make(chan *domain.Message, 1)
		sub, err := b.Subscribe(ctx, domain.TopicAuditRecorded, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		NewLedger(nil, b).Record(ctx, domain.AuditEvent{CaseID: "C9", EventType: domain.EventRiskScoring})

		select {
		case msg := <-received:
			if msg.Key != "C9" {
				t.Errorf("expected case id key, got %q", msg.Key)
			}
			var e domain.AuditEvent
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				t.Fatalf("failed to decode payload: %v", err)
			}
			if e.EventType != domain.EventRiskScoring || e.Sequence != 1 {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for audit message")
		}
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()

	confidence := 87.5
	seed := func() *Ledger {
		l := NewLedger(nil, nil)
		l.Record(ctx, domain.AuditEvent{
			CaseID:    "C1",
			EventType: domain.EventDataInput,
			InputData: map[string]any{"case_id": "C1"},
			Metadata:  map[string]any{"note": "a, b"},
		})
		l.Record(ctx, domain.AuditEvent{
			CaseID:          "C1",
			EventType:       domain.EventLLMGeneration,
			GeneratedOutput: "line one\nline two, continued",
			LLMReasoning:    "path=generated",
			ModelVersion:    "llama3.1:8b",
			ConfidenceScore: &confidence,
		})
		return l
	}

	t.Run("JSON", func(t *testing.T) {
		exp, err := seed().Export(ctx, "C1", FormatJSON)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		var events []domain.AuditEvent
		if err := json.Unmarshal([]byte(exp.Content), &events); err != nil {
			t.Fatalf("export is not valid JSON: %v", err)
		}
		if len(events) != 2 || exp.Events != 2 {
			t.Errorf("expected 2 events, got %d", len(events))
		}
		if !strings.Contains(exp.Content, "\n  ") {
			t.Error("expected indented JSON")
		}
		if !strings.HasPrefix(exp.Checksum, "sha256:") || len(exp.Checksum) != len("sha256:")+64 {
			t.Errorf("unexpected checksum %q", exp.Checksum)
		}
	})

	t.Run("ChecksumIgnoresFormatting", func(t *testing.T) {
		a, err := Checksum([]byte(`{"b":1,"a":[1,2]}`))
		if err != nil {
			t.Fatalf("Checksum failed: %v", err)
		}
		b, _ := Checksum([]byte("{\n  \"a\": [1, 2],\n  \"b\": 1\n}"))
		if a != b {
			t.Errorf("expected canonical checksums to match: %s vs %s", a, b)
		}
	})

	t.Run("CSV", func(t *testing.T) {
		exp, err := seed().Export(ctx, "C1", FormatCSV)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if exp.ContentType != "text/csv" {
			t.Errorf("unexpected content type %s", exp.ContentType)
		}

		records, err := csv.NewReader(strings.NewReader(exp.Content)).ReadAll()
		if err != nil {
			t.Fatalf("export is not valid CSV: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected header + 2 rows, got %d records:\n%s", len(records), exp.Content)
		}
		if strings.Count(exp.Content, "\n") != 3 {
			t.Errorf("expected newlines inside values to be flattened:\n%s", exp.Content)
		}

		header := records[0]
		col := make(map[string]int, len(header))
		for i, h := range header {
			col[h] = i
		}
		first, second := records[1], records[2]

		if first[col["input_data"]] != `{"case_id":"C1"}` {
			t.Errorf("unexpected input data %q", first[col["input_data"]])
		}
		if first[col["metadata"]] != `{"note":"a; b"}` {
			t.Errorf("expected commas replaced, got %q", first[col["metadata"]])
		}
		if first[col["model_version"]] != "" || first[col["confidence_score"]] != "" {
			t.Errorf("expected empty cells for absent values: %v", first)
		}

		if got := second[col["generated_output"]]; got != "line one line two; continued" {
			t.Errorf("unexpected generated output %q", got)
		}
		if got := second[col["llm_reasoning"]]; got != "path=generated" {
			t.Errorf("unexpected reasoning %q", got)
		}
		if got := second[col["model_version"]]; got != "llama3.1:8b" {
			t.Errorf("unexpected model version %q", got)
		}
		if got := second[col["confidence_score"]]; got != "87.5" {
			t.Errorf("unexpected confidence %q", got)
		}
	})

	t.Run("CSVHeaderMatchesJSONKeys", func(t *testing.T) {
		l := seed()
		jsonExp, err := l.Export(ctx, "C1", FormatJSON)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		csvExp, err := l.Export(ctx, "C1", FormatCSV)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		var events []map[string]json.RawMessage
		if err := json.Unmarshal([]byte(jsonExp.Content), &events); err != nil {
			t.Fatalf("export is not valid JSON: %v", err)
		}
		keys := make(map[string]bool)
		for _, e := range events {
			for k := range e {
				keys[k] = true
			}
		}

		header, err := csv.NewReader(strings.NewReader(csvExp.Content)).Read()
		if err != nil {
			t.Fatalf("failed to read CSV header: %v", err)
		}
		if len(header) != len(keys) {
			t.Errorf("header has %d columns, JSON events have %d keys", len(header), len(keys))
		}
		for _, h := range header {
			if !keys[h] {
				t.Errorf("header column %s missing from JSON events", h)
			}
		}
		for _, e := range events {
			if len(e) != len(header) {
				t.Errorf("event has %d keys, want %d", len(e), len(header))
			}
		}
	})

	t.Run("EmptyCSV", func(t *testing.T) {
		exp, err := NewLedger(nil, nil).Export(ctx, "missing", FormatCSV)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if exp.Content != EmptyCSV {
			t.Errorf("expected %q, got %q", EmptyCSV, exp.Content)
		}
	})

	t.Run("EmptyJSON", func(t *testing.T) {
		exp, err := NewLedger(nil, nil).Export(ctx, "missing", FormatJSON)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if exp.Content != "[]" {
			t.Errorf("expected empty array, got %q", exp.Content)
		}
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		_, err := seed().Export(ctx, "C1", "xml")
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("expected ErrUnsupportedFormat, got %v", err)
		}
	})
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sink, err := archive.NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	l := NewLedger(nil, nil)
	l.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }
	l.Record(ctx, domain.AuditEvent{CaseID: "C1", EventType: domain.EventDataInput})

	res, err := l.Archive(ctx, sink, "C1", FormatJSON)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	want := filepath.Join(dir, "C1", "audit-20240301T123000Z.json")
	if res.Location != want {
		t.Errorf("expected location %s, got %s", want, res.Location)
	}
	data, err := os.ReadFile(res.Location)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	if !strings.Contains(string(data), domain.EventDataInput) {
		t.Error("archive does not contain the trail")
	}
	if res.Events != 1 || res.Checksum == "" {
		t.Errorf("unexpected result %+v", res)
	}
}
