// Package server wires the HTTP surface of the job service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/jobnimbus/internal/errors"
	"github.com/3leaps/jobnimbus/internal/observability"
	"github.com/3leaps/jobnimbus/internal/server/handlers"
	"github.com/3leaps/jobnimbus/internal/server/middleware"
)

// Timeouts bounds the HTTP server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Server is the HTTP API server.
type Server struct {
	host     string
	port     int
	router   chi.Router
	http     *http.Server
	logger   *zap.Logger
	jobs     handlers.JobService
	metrics  *observability.Metrics
	version  handlers.VersionInfo
	timeouts Timeouts
	budget   handlers.SubmitBudget
	health   bool
}

// Option configures a Server.
type Option func(*Server)

// WithJobService mounts the /v1/jobs API.
func WithJobService(svc handlers.JobService) Option {
	return func(s *Server) { s.jobs = svc }
}

// WithMetrics records HTTP metrics for every request.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts overrides the HTTP server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// WithSubmitBudget extends the write deadline of job submissions, which
// stage dependencies before answering.
func WithSubmitBudget(b handlers.SubmitBudget) Option {
	return func(s *Server) { s.budget = b }
}

// WithHealth mounts or drops the /health routes. They are mounted by default.
func WithHealth(enabled bool) Option {
	return func(s *Server) { s.health = enabled }
}

// WithVersion sets the build reported by /version.
func WithVersion(v handlers.VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// New creates a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		logger: zap.NewNop(),
		health: true,
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Metrics(s.metrics))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("route %s %s not found", r.Method, r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
	})

	if s.health {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.jobs != nil {
		r.Route("/v1/jobs", handlers.NewJobHandler(s.jobs, s.budget).Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
