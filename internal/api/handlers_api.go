package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/modelscore/internal/ingest"
	"github.com/lox/modelscore/internal/leaderboard"
	"github.com/lox/modelscore/internal/models"
	"github.com/lox/modelscore/internal/store"
	"github.com/lox/modelscore/internal/verify"
)

const (
	defaultObservationLimit = 24
	maxObservationLimit     = 1000
	recentErrorLimit        = 20
)

func (s *Server) handleLatestObservation(w http.ResponseWriter, r *http.Request) {
	obs, err := s.store.GetLatestObservation()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if obs == nil {
		writeError(w, http.StatusNotFound, "no observations")
		return
	}
	writeJSON(w, http.StatusOK, newObservationView(*obs))
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	limit := defaultObservationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxObservationLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxObservationLimit))
			return
		}
		limit = n
	}

	obs, err := s.store.GetRecentObservations(limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	out := make([]ObservationView, len(obs))
	for i, o := range obs {
		out[i] = newObservationView(o)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLeaderboard serves one (bucket, variable) view. source=live ranks raw
// records inside the retention window instead of rollups. A request carrying
// seq is answered 409 once a higher seq has arrived for the same view.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket := q.Get("bucket")
	if bucket == "" {
		if names := s.boards.Buckets().Names(); len(names) > 0 {
			bucket = names[0]
		}
	}
	variable := q.Get("variable")
	if variable == "" {
		variable = verify.VarComposite
	}
	source := q.Get("source")
	switch source {
	case "":
		source = "cache"
	case "cache", "live":
	default:
		writeError(w, http.StatusBadRequest, "source must be cache or live")
		return
	}

	shape := bucket + "/" + variable
	var (
		seq     uint64
		current func() bool
	)
	if raw := q.Get("seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seq must be a non-negative integer")
			return
		}
		seq = n
		current = s.gens.Begin(shape, seq)
	}

	resp := LeaderboardResponse{
		Bucket:   bucket,
		Variable: variable,
		Source:   source,
		Status:   "ok",
		Seq:      seq,
		Rows:     []models.LeaderboardRow{},
	}

	var (
		view *leaderboard.View
		err  error
	)
	if source == "live" {
		var rows []models.LeaderboardRow
		if rows, err = s.boards.ComputeLive(bucket, variable); err == nil {
			view = &leaderboard.View{Bucket: bucket, Variable: variable, Rows: rows, ComputedAt: s.clock.Now().UTC()}
		}
	} else {
		view, err = s.boards.Get(r.Context(), bucket, variable, current)
	}

	switch {
	case errors.Is(err, leaderboard.ErrUnknownBucket), errors.Is(err, leaderboard.ErrUnknownVariable):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, leaderboard.ErrSuperseded):
		s.superseded(w, shape, seq)
		return
	case errors.Is(err, verify.ErrInsufficientData):
		resp.Status = "insufficient_data"
	case err != nil:
		s.serverError(w, r, err)
		return
	default:
		resp.Rows = view.Rows
		resp.Cached = view.Cached
		computed := view.ComputedAt
		resp.ComputedAt = &computed
	}

	if current != nil && !current() {
		s.superseded(w, shape, seq)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) superseded(w http.ResponseWriter, shape string, seq uint64) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error":  leaderboard.ErrSuperseded.Error(),
		"seq":    seq,
		"latest": s.gens.Latest(shape),
	})
}

func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	stats, err := s.boards.ModelStats(model)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if len(stats) == 0 {
		writeError(w, http.StatusNotFound, "no statistics for model "+model)
		return
	}
	writeJSON(w, http.StatusOK, ModelStatsResponse{Model: model, Buckets: stats})
}

func (s *Server) handleTAF(w http.ResponseWriter, r *http.Request) {
	text, ok, err := s.store.GetMeta(store.MetaTAFText)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no terminal forecast fetched yet")
		return
	}
	resp := TAFResponse{Text: text}
	if fetched, ok, err := s.store.GetMetaTime(store.MetaTAFFetched); err != nil {
		s.serverError(w, r, err)
		return
	} else if ok {
		resp.FetchedAt = &fetched
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh starts a cycle out of band. A request that lands while a
// cycle runs is accepted and does nothing.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	status := "started"
	if err := s.scheduler.Trigger(r.Context()); errors.Is(err, ingest.ErrCycleRunning) {
		status = "already_running"
	} else if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	status, err := s.scheduler.Status()
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	since := s.clock.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	health, err := s.store.GetIngestHealth(since)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	runs, err := s.store.GetRecentIngestErrors(recentErrorLimit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	resp := DiagnosticsResponse{
		Since:        since,
		Health:       health,
		RecentErrors: make([]IngestErrorView, len(runs)),
	}
	if resp.Health == nil {
		resp.Health = []store.IngestHealthSummary{}
	}
	for i, run := range runs {
		resp.RecentErrors[i] = newIngestErrorView(run)
	}
	writeJSON(w, http.StatusOK, resp)
}
