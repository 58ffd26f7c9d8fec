package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, intake.ErrInvalidCase),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, audit.ErrUnsupportedFormat),
		errors.Is(err, agent.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCaseNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, agent.ErrUnknownMethod),
		errors.Is(err, agent.ErrUnknownTool):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports client errors verbatim and hides server errors.
func writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, "path", r.URL.Path, "trace_id", GetTraceID(r.Context()), "error", err)
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func actor(r *http.Request, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if u := GetUserID(r.Context()); u != "" {
		return u
	}
	return domain.DefaultActor
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", func() error { return h.deps.Repo.Ping(ctx) })
	}
	if h.deps.Cache != nil {
		check("cache", func() error { return h.deps.Cache.Ping(ctx) })
	}
	if h.deps.Bus != nil {
		check("bus", func() error { return h.deps.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.deps.Version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// AnalyzeCase runs the pipeline synchronously and returns the result.
func (h *Handler) AnalyzeCase(w http.ResponseWriter, r *http.Request) {
	c, err := intake.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.deps.Orchestrator.RunAs(r.Context(), c, actor(r, ""))
	if err != nil {
		writeError(w, r, "case analysis failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitCase validates a case and queues it for the worker.
func (h *Handler) SubmitCase(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	c, err := intake.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	traceID := GetTraceID(r.Context())
	if err := worker.Submit(r.Context(), h.deps.Bus, c, actor(r, ""), traceID); err != nil {
		writeError(w, r, "failed to queue case", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"case_id":  c.CaseID,
		"status":   "submitted",
		"trace_id": traceID,
	})
}

// GetCase returns a stored case record.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Orchestrator.Case(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "failed to load case", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListCases returns stored cases, optionally filtered by ?status=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	status := domain.CaseStatus(r.URL.Query().Get("status"))
	recs, err := h.deps.Orchestrator.Cases(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, "failed to list cases", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": recs,
		"count": len(recs),
	})
}

// ReviewRequest is the body of the approve and reject endpoints.
type ReviewRequest struct {
	Reviewer  string `json:"reviewer"`
	Narrative string `json:"narrative,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ApproveCase approves a draft, optionally replacing its narrative.
func (h *Handler) ApproveCase(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.deps.Orchestrator.Approve(r.Context(), chi.URLParam(r, "id"), actor(r, req.Reviewer), req.Narrative)
	if err != nil {
		writeError(w, r, "failed to approve case", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RejectCase rejects a draft. A reason is required.
func (h *Handler) RejectCase(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "reason is required",
		})
		return
	}

	rec, err := h.deps.Orchestrator.Reject(r.Context(), chi.URLParam(r, "id"), actor(r, req.Reviewer), req.Reason)
	if err != nil {
		writeError(w, r, "failed to reject case", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AuditTrail returns the ordered audit trail of a case.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "id")
	trail := h.deps.Ledger.Trail(r.Context(), caseID)
	if trail == nil {
		trail = []*domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":     caseID,
		"event_count": len(trail),
		"events":      trail,
	})
}

// ExportAudit renders the audit trail as JSON or CSV.
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	exp, err := h.deps.Ledger.Export(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, "failed to export audit trail", err)
		return
	}

	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("X-Audit-Checksum", exp.Checksum)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(exp.Content))
}

// ArchiveAudit writes an export to the configured archive sink.
func (h *Handler) ArchiveAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "archive sink not configured",
		})
		return
	}

	res, err := h.deps.Ledger.Archive(r.Context(), h.deps.Archive, chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, "failed to archive audit trail", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListTypologies returns the typology definitions in the knowledge base.
func (h *Handler) ListTypologies(w http.ResponseWriter, r *http.Request) {
	defs := h.deps.Classifier.Definitions()
	writeJSON(w, http.StatusOK, map[string]any{
		"typologies": defs,
		"count":      len(defs),
	})
}

// TypologyContext returns the regulatory context of one typology.
func (h *Handler) TypologyContext(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := h.deps.Classifier.Definition(key); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "typology not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"typology":           key,
		"regulatory_context": h.deps.Classifier.RegulatoryContext(r.Context(), key),
	})
}

// ListPolicies returns the loaded escalation policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.deps.Orchestrator.Policies().Policies()
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// ListAgents returns the agent cards.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	cards := agent.Cards()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": cards,
		"count":  len(cards),
	})
}

// RPC dispatches one agent message.
func (h *Handler) RPC(w http.ResponseWriter, r *http.Request) {
	if h.deps.Coordinator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "agent coordinator not available",
		})
		return
	}

	var msg agent.AgentMessage
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.JSONRPC != agent.JSONRPCVersion || msg.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "jsonrpc 2.0 message with a method is required",
		})
		return
	}

	res, err := h.deps.Coordinator.Handle(r.Context(), &msg)
	if err != nil {
		writeError(w, r, "agent message failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": agent.JSONRPCVersion,
		"id":      msg.ID,
		"result":  res,
	})
}

// ListTools returns the tool catalog.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tools == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "toolbox not available",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": h.deps.Tools.List(),
	})
}

// CallTool runs one tool with the JSON object in the request body.
func (h *Handler) CallTool(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tools == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "toolbox not available",
		})
		return
	}

	var args map[string]any
	if !decodeBody(w, r, &args) {
		return
	}

	res, err := h.deps.Tools.Call(r.Context(), chi.URLParam(r, "name"), args)
	if err != nil {
		writeError(w, r, "tool call failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
