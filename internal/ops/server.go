// Package ops exposes the operational HTTP surface: liveness, loop
// statistics and Prometheus metrics. It carries no business endpoints.
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// LoopStats is implemented by the batch loop.
type LoopStats interface {
	Stats() (processed, deferred int64, retryQueue int)
}

// Server is the operational listener.
type Server struct {
	http  *http.Server
	db    *sql.DB
	loop  LoopStats
	env   string
	start time.Time
}

// New builds the ops server. db is pinged by the health check; loop may
// be nil when running a one-shot command.
func New(port int, env string, db *sql.DB, loop LoopStats) *Server {
	s := &Server{
		db:    db,
		loop:  loop,
		env:   env,
		start: time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = "database unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"env":    s.env,
		"uptime": time.Since(s.start).Truncate(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]interface{}{
		"env":        s.env,
		"started_at": s.start.Format(time.RFC3339),
	}
	if s.loop != nil {
		processed, deferred, retryQueue := s.loop.Stats()
		out["messages_processed"] = processed
		out["messages_deferred"] = deferred
		out["read_retry_queue"] = retryQueue
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
