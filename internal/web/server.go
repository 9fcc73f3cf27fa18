// Package web serves the read-only status API: liveness, today's API quota
// usage and recently finished pipeline commands.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/config"
	"github.com/JonMunkholm/wtkpipe/internal/core"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
	wtkmw "github.com/JonMunkholm/wtkpipe/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Backend is what the status server reports on. *core.Service implements it.
type Backend interface {
	Quota(ctx context.Context) (ratelimit.Status, error)
	LastRuns() []core.RunResult
}

// Server is the HTTP status server.
type Server struct {
	backend Backend
	cfg     config.ServerConfig
	router  *chi.Mux
	server  *http.Server
	started time.Time
}

// NewServer creates a new Server instance.
func NewServer(backend Backend, cfg config.ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		backend: backend,
		cfg:     cfg,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(wtkmw.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(wtkmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(wtkmw.APIKeyAuth(s.cfg.APIKeys))

		r.Get("/quota", s.handleQuota)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{runID}", s.handleRun)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found", Message: "Not found", Code: "HTTP404"})
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown, immediately if Shutdown already ran.
func (s *Server) Start() error {
	slog.Info("status server listening", "addr", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then shuts down within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("status server stopped")
	return nil
}
