package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/journeyman/internal/auth"
	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/events"
	"github.com/mattjoyce/journeyman/internal/fingerprint"
	"github.com/mattjoyce/journeyman/internal/pool"
)

// PoolAdmin is the API's view of the daemon pool.
type PoolAdmin interface {
	Snapshot() []pool.Info
	StopAll(ctx context.Context, filter pool.StopFilter, force bool) error
}

// WorkSubmitter executes one unit of work under an isolation mode.
type WorkSubmitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error)
}

// EventStream feeds the SSE endpoint. *events.Hub satisfies it.
type EventStream interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	pool       PoolAdmin
	dispatcher WorkSubmitter
	events     EventStream
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. metricsHandler may be nil when
// metrics are not collected.
func New(config Config, p PoolAdmin, dispatcher WorkSubmitter, stream EventStream, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		pool:       p,
		dispatcher: dispatcher,
		events:     stream,
		metrics:    metricsHandler,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // POST /work and /events are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Liveness probe stays open for load balancers.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.metrics != nil {
			r.With(s.requireScopes(auth.ScopeDaemonsRO, auth.ScopeDaemonsRW)).Get("/metrics", s.metrics.ServeHTTP)
		}
		r.With(s.requireScopes(auth.ScopeDaemonsRO, auth.ScopeDaemonsRW)).Get("/daemons", s.handleListDaemons)
		r.With(s.requireScopes(auth.ScopeDaemonsRW)).Post("/daemons/stop", s.handleStopDaemons)
		r.With(s.requireScopes(auth.ScopeWorkSubmit)).Post("/work", s.handleWork)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// authMiddleware resolves the bearer token into a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes gates a route on the principal holding any of the scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// workerFingerprint maps request worker settings onto a fingerprint.
func workerFingerprint(ws *WorkerSettings, defaultLogLevel string) fingerprint.Fingerprint {
	fp := fingerprint.Fingerprint{LogLevel: defaultLogLevel}
	if ws == nil {
		return fp
	}
	fp.ModulePath = ws.ModulePath
	fp.SharedTypes = ws.SharedTypes
	fp.Args = ws.Args
	fp.WorkDir = ws.WorkDir
	fp.Env = ws.Env
	fp.KeepAlive = fingerprint.KeepAlive(ws.KeepAlive)
	return fp
}
