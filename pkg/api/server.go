// Package api exposes the session orchestrator over HTTP: session
// lifecycle, command submission, history, a WebSocket event stream,
// health, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/internal/tracing"
	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/session"
)

// History serves persisted command history; *store.Store satisfies it
type History interface {
	CommandHistory(sessionID string, limit int) ([]dispatch.CommandRecord, error)
}

// HealthCheck probes one dependency for the /health endpoint
type HealthCheck func(ctx context.Context) error

// ServerOptions configures the HTTP server
type ServerOptions struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
}

// Server is the orchestrator HTTP server
type Server struct {
	options     ServerOptions
	server      *http.Server
	registry    *session.Registry
	dispatcher  *dispatch.Dispatcher
	history     History // optional
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time

	healthMu     sync.RWMutex
	healthChecks map[string]HealthCheck

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the HTTP server. history may be nil.
func NewServer(options ServerOptions, registry *session.Registry, dispatcher *dispatch.Dispatcher, history History, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8420
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 120
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 30 * time.Second
	}

	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Server{
		options:      options,
		registry:     registry,
		dispatcher:   dispatcher,
		history:      history,
		rateLimiter:  NewRateLimiter(options.RateLimitPerMinute),
		logger:       logger,
		startTime:    time.Now(),
		healthChecks: make(map[string]HealthCheck),
	}, nil
}

// RegisterHealthCheck adds a named dependency probe to /health
func (s *Server) RegisterHealthCheck(name string, check HealthCheck) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthChecks[name] = check
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.Handler())

	mux.HandleFunc("POST /sessions", s.guard(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.guard(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.guard(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.guard(s.handleCloseSession))
	mux.HandleFunc("POST /sessions/{id}/commands", s.guard(s.handleSubmitCommand))
	mux.HandleFunc("GET /sessions/{id}/commands", s.guard(s.handleCommandHistory))
	mux.HandleFunc("DELETE /sessions/{id}/commands/{commandID}", s.guard(s.handleCancelCommand))
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)

	return mux
}

// Start runs the server until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

// guard applies the shared request checks: shutdown state, owner token
// presence, and the per-owner rate limit.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			s.writeError(w, http.StatusUnauthorized, ErrorBody{
				Code:    "MISSING_OWNER_TOKEN",
				Message: fmt.Sprintf("%s header is required", OwnerHeader),
			})
			return
		}

		if !s.rateLimiter.Allow(owner) {
			retryAfter := s.rateLimiter.RetryAfter(owner)
			s.logger.Warn().
				Str("owner", owner).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			s.writeError(w, http.StatusTooManyRequests, ErrorBody{
				Code:    "RATE_LIMITED",
				Message: "too many requests",
			})
			return
		}

		// Downstream logs and spans pick the owner up from the context
		next(w, r.WithContext(tracing.WithOwner(r.Context(), owner)))
	}
}
