// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Collector holds the pipeline metrics on a private registry.
type Collector struct {
	registry       *prometheus.Registry
	runs           *prometheus.CounterVec
	generationPath *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	riskScore      prometheus.Histogram
	httpRequests   *prometheus.CounterVec
}

// NewCollector creates the collectors. auditFailures is sampled on every
// scrape and may be nil.
func NewCollector(auditFailures func() int64) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_pipeline_runs_total",
			Help: "Pipeline runs by outcome",
		}, []string{"outcome"}),
		generationPath: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_narrative_generation_total",
			Help: "Narratives composed by generation path",
		}, []string{"path"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_escalations_total",
			Help: "Escalation policy matches by policy id",
		}, []string{"policy"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
		}, []string{"stage"}),
		riskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_risk_score",
			Help:    "Distribution of case risk scores",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "HTTP requests by route pattern and status class",
		}, []string{"route", "status"}),
	}

	if auditFailures != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "kestrel_audit_store_failures_total",
			Help: "Audit events kept only in memory after a durable write failed",
		}, func() float64 { return float64(auditFailures()) })
	}

	return c
}

// RecordRun counts one pipeline run.
func (c *Collector) RecordRun(outcome string) {
	c.runs.WithLabelValues(outcome).Inc()
}

// RecordStage observes a stage duration.
func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordResult records the outputs of a completed run.
func (c *Collector) RecordResult(riskScore int, generationPath string, escalations []string) {
	c.riskScore.Observe(float64(riskScore))
	c.generationPath.WithLabelValues(generationPath).Inc()
	for _, id := range escalations {
		c.escalations.WithLabelValues(id).Inc()
	}
}

// RecordHTTP counts one HTTP response.
func (c *Collector) RecordHTTP(route string, status int) {
	c.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
