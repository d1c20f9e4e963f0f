// Package api exposes a small observability surface over the running
// supervisor: health, the live job table, recorded runs, and a live event
// stream. It never mutates supervisor state; control stays with the single
// consumer thread.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hostmux/hostmux/internal/events"
	"github.com/hostmux/hostmux/internal/jobs"
	"github.com/hostmux/hostmux/internal/journal"
)

// JobTable is the read-only slice of the supervisor the API serves.
type JobTable interface {
	Snapshot() []jobs.JobInfo
	Count() int
}

// RunHistory serves recorded runs. May be nil when the journal is disabled.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]journal.Run, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	table     JobTable
	history   RunHistory
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. history may be nil.
func New(config Config, table JobTable, history RunHistory, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		table:     table,
		history:   history,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
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

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/runs", s.handleRuns)
		r.Get("/events", s.handleEvents)
	})

	return r
}

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
