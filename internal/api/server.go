// Package api serves the read-only admin HTTP API: health, session history,
// live channels, asset provisioning events and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/api/middleware"
	"github.com/flowpbx/fastagi/internal/database"
	"github.com/flowpbx/fastagi/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveSessionLister exposes the sessions the FastAGI server is serving.
type ActiveSessionLister interface {
	ActiveSessions() []agi.ActiveSession
}

// SchemaReporter reports the applied history database migration.
type SchemaReporter interface {
	SchemaVersion(ctx context.Context) (string, error)
}

// ScriptLister exposes the registered call scripts.
type ScriptLister interface {
	Scripts() []string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	sessions    database.SessionRepository
	assetEvents database.AssetEventRepository
	schema      SchemaReporter
	active      ActiveSessionLister
	scripts     ScriptLister
	gatherer    prometheus.Gatherer
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	startTime   time.Time
}

// NewServer creates the HTTP handler with all routes mounted. limiter and
// gatherer may be nil to disable rate limiting and /metrics; schema may be
// nil to leave the schema version out of /health.
func NewServer(
	sessions database.SessionRepository,
	assetEvents database.AssetEventRepository,
	schema SchemaReporter,
	active ActiveSessionLister,
	scripts ScriptLister,
	gatherer prometheus.Gatherer,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		sessions:    sessions,
		assetEvents: assetEvents,
		schema:      schema,
		active:      active,
		scripts:     scripts,
		gatherer:    gatherer,
		limiter:     limiter,
		logger:      logger.With("subsystem", "api"),
		startTime:   time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	if s.limiter != nil {
		r.Use(middleware.RateLimit(s.limiter, s.logger))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/scripts", s.handleListScripts)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
		})

		r.Get("/channels", s.handleListChannels)
		r.Get("/assets/events", s.handleListAssetEvents)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.logger.Info("api routes mounted")
}
