package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/archive"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/typology"
)

// Deps are the components served over HTTP. Orchestrator, Ledger and
// Classifier are required; the rest are optional.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Ledger       *audit.Ledger
	Classifier   *typology.Classifier
	Coordinator  *agent.Coordinator
	Tools        *agent.Toolbox
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Archive      archive.Sink
	Metrics      *metrics.Collector
	Version      string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	if deps.Metrics != nil {
		router.Use(MetricsMiddleware(deps.Metrics))
	}
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Route("/cases", func(r chi.Router) {
		r.Get("/", handler.ListCases)
		r.Post("/analyze", handler.AnalyzeCase)
		r.Post("/submit", handler.SubmitCase)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetCase)
			r.Post("/approve", handler.ApproveCase)
			r.Post("/reject", handler.RejectCase)
			r.Get("/audit", handler.AuditTrail)
			r.Get("/audit/export", handler.ExportAudit)
			r.Post("/audit/archive", handler.ArchiveAudit)
		})
	})

	router.Get("/typologies", handler.ListTypologies)
	router.Get("/typologies/{key}/context", handler.TypologyContext)
	router.Get("/policies", handler.ListPolicies)

	router.Get("/agents", handler.ListAgents)
	router.Post("/rpc", handler.RPC)
	router.Get("/tools", handler.ListTools)
	router.Post("/tools/{name}", handler.CallTool)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
