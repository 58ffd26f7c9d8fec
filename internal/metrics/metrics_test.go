package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	var failures int64 = 3
	c := NewCollector(func() int64 { return failures })

	c.RecordRun(OutcomeCompleted)
	c.RecordRun(OutcomeCompleted)
	c.RecordRun(OutcomeInvalid)
	c.RecordStage("analysis", 15*time.Millisecond)
	c.RecordResult(45, "fallback", []string{"manual_narrative"})
	c.RecordHTTP("/cases/analyze", 200)
	c.RecordHTTP("/cases/{id}", 404)

	t.Run("Counters", func(t *testing.T) {
		if got := testutil.ToFloat64(c.runs.WithLabelValues(OutcomeCompleted)); got != 2 {
			t.Errorf("expected 2 completed runs, got %v", got)
		}
		if got := testutil.ToFloat64(c.generationPath.WithLabelValues("fallback")); got != 1 {
			t.Errorf("expected 1 fallback narrative, got %v", got)
		}
		if got := testutil.ToFloat64(c.escalations.WithLabelValues("manual_narrative")); got != 1 {
			t.Errorf("expected 1 escalation, got %v", got)
		}
		if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("/cases/{id}", "4xx")); got != 1 {
			t.Errorf("expected 1 4xx response, got %v", got)
		}
	})

	t.Run("Handler", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, _ := io.ReadAll(rec.Body)
		text := string(body)
		for _, want := range []string{
			`kestrel_pipeline_runs_total{outcome="completed"} 2`,
			"kestrel_audit_store_failures_total 3",
			"kestrel_stage_duration_seconds_bucket",
			"kestrel_risk_score_count 1",
			"go_goroutines",
		} {
			if !strings.Contains(text, want) {
				t.Errorf("expected exposition to contain %q", want)
			}
		}
	})
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 201: "2xx", 302: "3xx", 400: "4xx", 404: "4xx", 500: "5xx", 503: "5xx"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}
