package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/archive"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/knowledge"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/vector"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type testEnv struct {
	server *Server
	bus    *bus.ChannelBus
	dir    string
}

// createTestServer wires the community stack against a temp directory.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(dir, "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	kb, err := knowledge.Load("")
	if err != nil {
		t.Fatalf("failed to load knowledge base: %v", err)
	}
	store := vector.NewMemoryStore(vector.NewHashEmbedder(512))
	if err := kb.Seed(ctx, store); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	policies, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	if err := policies.Load(domain.DefaultPolicies()); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	ledger := audit.NewLedger(repo, eventBus)
	classifier := typology.NewClassifier(store, kb, nil, 0)
	collector := metrics.NewCollector(ledger.StoreFailures)
	orch, err := pipeline.New(pipeline.Deps{
		Config:     domain.PipelineConfig{TemplateTopK: 2},
		Detection:  domain.DefaultDetection(),
		Scoring:    domain.DefaultScoring(),
		Repo:       repo,
		Ledger:     ledger,
		Classifier: classifier,
		Composer:   narrative.NewComposer(llm.Disabled{}, nil),
		Policies:   policies,
		Metrics:    collector,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	tools, err := agent.NewToolbox(orch, classifier, ledger)
	if err != nil {
		t.Fatalf("failed to create toolbox: %v", err)
	}
	sink, err := archive.NewFileSink(filepath.Join(dir, "exports"))
	if err != nil {
		t.Fatalf("failed to create archive sink: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	server := NewServer(cfg, Deps{
		Orchestrator: orch,
		Ledger:       ledger,
		Classifier:   classifier,
		Coordinator:  agent.NewCoordinator(orch),
		Tools:        tools,
		Repo:         repo,
		Bus:          eventBus,
		Archive:      sink,
		Metrics:      collector,
		Version:      "test-v1",
	})
	return &testEnv{server: server, bus: eventBus, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set(UserIDHeader, "analyst-1")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, r)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response: %v: %s", err, rr.Body.String())
	}
}

func caseBody(id string) string {
	var txs []string
	for i, typ := range []string{"SWIFT", "Wire Transfer", "SWIFT", "Wire Transfer"} {
		txs = append(txs, fmt.Sprintf(
			`{"date": "2024-03-%02d", "amount": 950000, "currency": "INR", "type": %q, "originator": "ORIG-%d", "beneficiary": "ACC-1"}`,
			10+i, typ, i))
	}
	return fmt.Sprintf(`{
		"case_id": %q,
		"alert_reason": "Multiple wire transfers just below reporting threshold",
		"customer": {"name": "Rajesh Kumar", "account_number": "ACC-1", "kyc_risk_rating": "High", "occupation": "Trader"},
		"transactions": [%s]
	}`, id, strings.Join(txs, ","))
}

func TestCaseEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Analyze", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases/analyze", caseBody("CASE-API-1"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID response header")
		}

		var res pipeline.Result
		decode(t, rr, &res)
		if res.CaseID != "CASE-API-1" || res.RiskScore != 45 {
			t.Errorf("unexpected result: case %s score %d", res.CaseID, res.RiskScore)
		}
		if res.GenerationPath != domain.PathFallback {
			t.Errorf("expected fallback path, got %s", res.GenerationPath)
		}
		if res.AuditTrail[0].UserID != "analyst-1" {
			t.Errorf("expected header actor, got %s", res.AuditTrail[0].UserID)
		}
	})

	t.Run("AnalyzeInvalid", func(t *testing.T) {
		tests := []string{
			"not-json",
			`{"case_id": "", "alert_reason": "x", "customer": {}, "transactions": []}`,
			`{"case_id": "C", "alert_reason": "x", "customer": {"name": "A"}, "transactions": []}`,
		}
		for _, body := range tests {
			rr := env.do(t, http.MethodPost, "/cases/analyze", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400 for %s, got %d", body, rr.Code)
			}
		}
	})

	t.Run("GetCase", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/cases/CASE-API-1", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.CaseRecord
		decode(t, rr, &rec)
		if rec.Status != domain.CaseDraft {
			t.Errorf("expected draft, got %s", rec.Status)
		}

		if rr := env.do(t, http.MethodGet, "/cases/NOPE", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListCases", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/cases?status=draft&limit=10", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 case, got %d", resp.Count)
		}

		if rr := env.do(t, http.MethodGet, "/cases?limit=abc", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Review", func(t *testing.T) {
		env.do(t, http.MethodPost, "/cases/analyze", caseBody("CASE-API-2"))

		rr := env.do(t, http.MethodPost, "/cases/CASE-API-1/approve", `{"reviewer": "lead-1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.CaseRecord
		decode(t, rr, &rec)
		if rec.Status != domain.CaseApproved || rec.ReviewedBy != "lead-1" {
			t.Errorf("unexpected approval: %+v", rec)
		}

		if rr := env.do(t, http.MethodPost, "/cases/CASE-API-2/reject", `{}`); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without reason, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodPost, "/cases/CASE-API-2/reject", `{"reason": "insufficient evidence"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		decode(t, rr, &rec)
		if rec.Status != domain.CaseRejected || rec.ReviewedBy != "analyst-1" {
			t.Errorf("unexpected rejection: %+v", rec)
		}

		if rr := env.do(t, http.MethodPost, "/cases/NOPE/approve", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Submit", func(t *testing.T) {
		got := make(chan []byte, 1)
		sub, err := env.bus.Subscribe(context.Background(), domain.TopicCaseSubmitted, func(ctx context.Context, msg *domain.Message) error {
			got <- msg.Payload
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		rr := env.do(t, http.MethodPost, "/cases/submit", caseBody("CASE-API-3"))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case payload := <-got:
			var sm worker.SubmitMessage
			if err := json.Unmarshal(payload, &sm); err != nil {
				t.Fatalf("failed to parse submission: %v", err)
			}
			if sm.Case.CaseID != "CASE-API-3" || sm.SubmittedBy != "analyst-1" {
				t.Errorf("unexpected submission: %+v", sm)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected submission on the bus")
		}
	})
}

func TestAuditEndpoints(t *testing.T) {
	env := createTestServer(t)
	env.do(t, http.MethodPost, "/cases/analyze", caseBody("CASE-AUD-1"))

	t.Run("Trail", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/cases/CASE-AUD-1/audit", "")
		var resp struct {
			EventCount int                  `json:"event_count"`
			Events     []*domain.AuditEvent `json:"events"`
		}
		decode(t, rr, &resp)
		if resp.EventCount != 8 {
			t.Errorf("expected 8 events, got %d", resp.EventCount)
		}
		for i, e := range resp.Events {
			if e.Sequence != int64(i+1) {
				t.Errorf("event %d has sequence %d", i, e.Sequence)
			}
		}
	})

	t.Run("Export", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/cases/CASE-AUD-1/audit/export?format=csv", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
			t.Errorf("unexpected content type %s", rr.Header().Get("Content-Type"))
		}
		if !strings.HasPrefix(rr.Header().Get("X-Audit-Checksum"), "sha256:") {
			t.Error("expected checksum header")
		}
		if lines := strings.Count(strings.TrimSpace(rr.Body.String()), "\n"); lines != 8 {
			t.Errorf("expected header plus 8 rows, got %d newlines", lines)
		}

		if rr := env.do(t, http.MethodGet, "/cases/CASE-AUD-1/audit/export?format=xml", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Archive", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/cases/CASE-AUD-1/audit/archive?format=json", "")
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var res audit.ArchiveResult
		decode(t, rr, &res)
		if !strings.HasPrefix(res.Location, filepath.Join(env.dir, "exports", "CASE-AUD-1")) {
			t.Errorf("unexpected location %s", res.Location)
		}
		if res.Events != 8 || res.Format != "json" {
			t.Errorf("unexpected archive result %+v", res)
		}
	})
}

func TestCatalogEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Typologies", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/typologies", "")
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count < 4 {
			t.Errorf("expected at least 4 typologies, got %d", resp.Count)
		}

		rr = env.do(t, http.MethodGet, "/typologies/structuring/context", "")
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "regulatory_context") {
			t.Errorf("unexpected context response %d: %s", rr.Code, rr.Body.String())
		}
		if rr := env.do(t, http.MethodGet, "/typologies/nope/context", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Policies", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/policies", "")
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != len(domain.DefaultPolicies()) {
			t.Errorf("expected %d policies, got %d", len(domain.DefaultPolicies()), resp.Count)
		}
	})

	t.Run("Agents", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/agents", "")
		var resp struct {
			Agents []agent.Card `json:"agents"`
		}
		decode(t, rr, &resp)
		if len(resp.Agents) != 5 {
			t.Errorf("expected 5 agent cards, got %d", len(resp.Agents))
		}
	})

	t.Run("Tools", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/tools", "")
		var resp struct {
			Tools []agent.Tool `json:"tools"`
		}
		decode(t, rr, &resp)
		if len(resp.Tools) != 9 {
			t.Errorf("expected 9 tools, got %d", len(resp.Tools))
		}
	})
}

func TestAgentEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("RPC", func(t *testing.T) {
		msg, err := agent.NewMessage("client", agent.AgentCoordinator, agent.MethodOrchestrate,
			map[string]json.RawMessage{"case_json": json.RawMessage(caseBody("CASE-RPC-1"))})
		if err != nil {
			t.Fatalf("NewMessage failed: %v", err)
		}
		body, _ := json.Marshal(msg)

		rr := env.do(t, http.MethodPost, "/rpc", string(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			ID     string `json:"id"`
			Result struct {
				Status string `json:"status"`
				Data   struct {
					Status string `json:"status"`
					CaseID string `json:"case_id"`
				} `json:"data"`
			} `json:"result"`
		}
		decode(t, rr, &resp)
		if resp.ID != msg.ID {
			t.Errorf("expected id %s, got %s", msg.ID, resp.ID)
		}
		if resp.Result.Data.Status != agent.StatusCompleted || resp.Result.Data.CaseID != "CASE-RPC-1" {
			t.Errorf("unexpected orchestration result %+v", resp.Result)
		}
	})

	t.Run("RPCErrors", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/rpc", `{"method": "enrich_case"}`); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without jsonrpc, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodPost, "/rpc", `{"jsonrpc": "2.0", "id": "1", "method": "nope"}`); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown method, got %d", rr.Code)
		}
	})

	t.Run("CallTool", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/tools/get_regulatory_context", `{"typology": "structuring"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res agent.ToolResult
		decode(t, rr, &res)
		if res.IsError || len(res.Content) != 1 {
			t.Errorf("unexpected tool result %+v", res)
		}

		if rr := env.do(t, http.MethodPost, "/tools/nope", `{}`); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodPost, "/tools/export_audit", `{"case_id": "C", "format": "pdf"}`); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Status  string            `json:"status"`
			Version string            `json:"version"`
			Checks  map[string]string `json:"checks"`
		}
		decode(t, rr, &resp)
		if resp.Status != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp.Status)
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp.Version)
		}
		if resp.Checks["repository"] != "ok" || resp.Checks["bus"] != "ok" {
			t.Errorf("unexpected checks %v", resp.Checks)
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/health", "")
		rr := env.do(t, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `kestrel_http_requests_total{route="/health",status="2xx"}`) {
			t.Error("expected http request counter for /health")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID, capturedUser string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			capturedUser = GetUserID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(UserIDHeader, "analyst-9")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if capturedUser != "analyst-9" {
			t.Errorf("expected user analyst-9, got %q", capturedUser)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight must not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/cases/analyze", nil)
		req.Header.Set("Origin", "https://console.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://console.example" {
			t.Error("expected origin to be echoed")
		}
	})
}
