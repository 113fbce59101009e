package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/modelscore/internal/ingest"
	"github.com/lox/modelscore/internal/leaderboard"
	"github.com/lox/modelscore/internal/store"
)

// StaleAfter is how old the latest observation may be before /health reports
// degraded.
const StaleAfter = 3 * time.Hour

// Scheduler is the part of *ingest.Scheduler the HTTP surface drives.
type Scheduler interface {
	Trigger(ctx context.Context) error
	Status() (*ingest.Status, error)
}

type Server struct {
	store      *store.Store
	boards     *leaderboard.Service
	scheduler  Scheduler
	gens       *Generations
	clock      clockwork.Clock
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer builds the API server. scheduler may be nil, which disables
// refresh and status.
func NewServer(addr string, st *store.Store, boards *leaderboard.Service, scheduler Scheduler, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		store:     st,
		boards:    boards,
		scheduler: scheduler,
		gens:      NewGenerations(),
		clock:     clock,
		logger:    logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/observations/latest", s.handleLatestObservation)
	mux.HandleFunc("GET /api/observations", s.handleObservations)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/models/{model}/stats", s.handleModelStats)
	mux.HandleFunc("GET /api/taf", s.handleTAF)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	return mux
}

// Run serves until ctx is cancelled, then drains connections for up to five
// seconds.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
	}()

	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok", AgeMinutes: -1}

	if err := s.store.Ping(); err != nil {
		health.Status = "error"
		health.Errors = append(health.Errors, "database: "+err.Error())
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	latest, err := s.store.GetLatestObservation()
	switch {
	case err != nil:
		health.Status = "error"
		health.Errors = append(health.Errors, "latest observation: "+err.Error())
	case latest == nil:
		health.Status = "degraded"
		health.Stale = true
	default:
		age := s.clock.Now().Sub(latest.ObservedAt)
		observed := latest.ObservedAt.UTC()
		health.LatestObservedAt = &observed
		health.AgeMinutes = int(age.Minutes())
		health.Stale = age > StaleAfter
		if health.Stale {
			health.Status = "degraded"
		}
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serverError logs err and answers 500 without leaking it.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
