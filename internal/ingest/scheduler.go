package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lox/modelscore/internal/forecast"
	"github.com/lox/modelscore/internal/metrics"
	"github.com/lox/modelscore/internal/models"
	"github.com/lox/modelscore/internal/notify"
	"github.com/lox/modelscore/internal/store"
)

// GroundTruthSource supplies validated station reports. *GroundTruth
// implements it.
type GroundTruthSource interface {
	Fetch(ctx context.Context, hours int) ([]Report, string, error)
}

type AmountSource interface {
	FetchAmounts(ctx context.Context, start, end time.Time) (map[int64]Amounts, *FetchResult, error)
}

type ForecastSource interface {
	Fetch(ctx context.Context, spec ModelSpec, issue time.Time) ([]models.Forecast, *FetchResult, error)
}

type TextSource interface {
	FetchText(ctx context.Context) (string, *FetchResult, error)
}

// Leaderboard is refreshed at the end of every cycle.
type Leaderboard interface {
	RefreshAll(ctx context.Context) error
	Snapshot(ctx context.Context) (map[string][]models.LeaderboardRow, error)
}

type SchedulerConfig struct {
	Models          []ModelSpec
	Station         string
	LookbackHours   int
	ForecastHorizon time.Duration
	Retention       time.Duration
	BatchSize       int
	BatchDelay      time.Duration
	Schedule        string
	CycleTimeout    time.Duration
}

// SchedulerDeps are the collaborators of one cycle. TAF and Publisher are
// optional.
type SchedulerDeps struct {
	Store       *store.Store
	GroundTruth GroundTruthSource
	Amounts     AmountSource
	Forecasts   ForecastSource
	TAF         TextSource
	Daily       *DailyJobs
	Generator   *forecast.Generator
	Leaderboard Leaderboard
	Publisher   notify.Publisher
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// CycleReport summarises one update cycle.
type CycleReport struct {
	ID                string            `json:"id"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
	GroundTruthSource string            `json:"ground_truth_source,omitempty"`
	Observations      int               `json:"observations"`
	Forecasts         int               `json:"forecasts"`
	Synthetic         int               `json:"synthetic"`
	Records           int               `json:"records"`
	RollupDays        int               `json:"rollup_days"`
	FailedModels      []string          `json:"failed_models,omitempty"`
	Pruned            store.PruneResult `json:"pruned"`
	Warnings          []string          `json:"warnings,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// Scheduler runs update cycles on a cron schedule or on demand, one at a time.
type Scheduler struct {
	deps  SchedulerDeps
	cfg   SchedulerConfig
	guard Guard

	mu   sync.Mutex
	last *CycleReport
}

func NewScheduler(deps SchedulerDeps, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 4
	}
	if cfg.LookbackHours < 1 {
		cfg.LookbackHours = 48
	}
	if cfg.ForecastHorizon <= 0 {
		cfg.ForecastHorizon = 7 * 24 * time.Hour
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	deps.Logger = deps.Logger.With("component", "scheduler")
	return &Scheduler{deps: deps, cfg: cfg}
}

// Run triggers a cycle on every cron tick until ctx is cancelled. Ticks that
// land while a cycle is running are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Trigger(ctx); errors.Is(err, ErrCycleRunning) {
			s.deps.Logger.Info("skipping tick, cycle still running")
		}
	}); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.deps.Logger.Info("scheduler started", "schedule", s.cfg.Schedule, "models", len(s.cfg.Models))

	<-ctx.Done()
	s.deps.Logger.Info("scheduler shutting down")
	<-c.Stop().Done()
	return nil
}

// Trigger starts a cycle in the background and returns immediately. It
// returns ErrCycleRunning when a cycle is already in progress.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.guard.TryStart() {
		return ErrCycleRunning
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CycleTimeout)
		defer cancel()
		s.cycle(cctx) //nolint:errcheck // logged and kept in the last report
	}()
	return nil
}

// RunCycle runs one cycle synchronously.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !s.guard.TryStart() {
		return nil, ErrCycleRunning
	}
	return s.cycle(ctx)
}

func (s *Scheduler) State() CycleState {
	return s.guard.State()
}

// LastReport returns the most recent cycle report, or nil before the first cycle.
func (s *Scheduler) LastReport() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) cycle(ctx context.Context) (report *CycleReport, err error) {
	st, clock := s.deps.Store, s.deps.Clock
	started := clock.Now().UTC()
	report = &CycleReport{ID: uuid.NewString(), StartedAt: started}
	log := s.deps.Logger.With("cycle", report.ID)
	log.Info("cycle starting")

	defer func() {
		report.FinishedAt = clock.Now().UTC()
		outcome := "success"
		if err != nil {
			outcome = "failure"
			report.Error = err.Error()
			if metaErr := st.SetMeta(store.MetaLastCycleError, err.Error()); metaErr != nil {
				log.Warn("record cycle error", "error", metaErr)
			}
			log.Error("cycle failed", "error", err, "duration", report.FinishedAt.Sub(started))
		} else {
			if metaErr := st.DeleteMeta(store.MetaLastCycleError); metaErr != nil {
				log.Warn("clear cycle error", "error", metaErr)
			}
			log.Info("cycle complete",
				"observations", report.Observations,
				"forecasts", report.Forecasts,
				"synthetic", report.Synthetic,
				"records", report.Records,
				"failed_models", len(report.FailedModels),
				"duration", report.FinishedAt.Sub(started))
		}
		if metaErr := st.SetMetaTime(store.MetaLastCycle, report.FinishedAt); metaErr != nil {
			log.Warn("record cycle time", "error", metaErr)
		}
		metrics.CycleDuration.WithLabelValues(outcome).Observe(report.FinishedAt.Sub(started).Seconds())
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
		s.guard.Finish(err)
	}()

	issue := started.Truncate(time.Hour)
	windowStart := issue.Add(-time.Duration(s.cfg.LookbackHours) * time.Hour)

	reports, source, err := s.deps.GroundTruth.Fetch(ctx, s.cfg.LookbackHours)
	if err != nil {
		return report, err
	}
	report.GroundTruthSource = source

	var amounts map[int64]Amounts
	if s.deps.Amounts != nil {
		err := audit(st, log, "reanalysis", s.cfg.Station, func() (*FetchResult, int, error) {
			got, result, err := s.deps.Amounts.FetchAmounts(ctx, windowStart, issue)
			amounts = got
			return result, len(got), err
		})
		if err != nil {
			log.Warn("reanalysis unavailable, amounts left null", "error", err)
			report.Warnings = append(report.Warnings, "reanalysis: "+err.Error())
			amounts = nil
		}
	}

	obs := Reconcile(reports, amounts, windowStart, issue)
	if err := st.ReplaceObservations(windowStart, issue, obs); err != nil {
		return report, fmt.Errorf("store observations: %w", err)
	}
	report.Observations = len(obs)
	metrics.ObservationsIngested.Add(float64(len(obs)))

	stored, failed := s.fetchForecasts(ctx, issue, log)
	report.Forecasts, report.FailedModels = stored, failed
	if err := st.SetMetaTime(store.MetaLastFetch, clock.Now()); err != nil {
		log.Warn("record last fetch", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if s.deps.TAF != nil {
		if err := s.fetchTAF(ctx, log); err != nil {
			log.Warn("terminal forecast fetch failed", "error", err)
			report.Warnings = append(report.Warnings, "taf: "+err.Error())
		}
	}

	synthetic, err := s.deps.Generator.Run(ctx, windowStart, issue.Add(s.cfg.ForecastHorizon))
	report.Synthetic = synthetic
	if err != nil {
		return report, fmt.Errorf("synthesise ensembles: %w", err)
	}

	records, days, err := s.deps.Daily.VerifyWindow(ctx, windowStart, issue.Add(time.Hour))
	report.Records = records
	if err != nil {
		return report, fmt.Errorf("verify: %w", err)
	}
	if err := s.deps.Daily.RollupDays(ctx, days); err != nil {
		return report, fmt.Errorf("rollup: %w", err)
	}
	report.RollupDays = len(days)

	if s.deps.Leaderboard != nil {
		if err := s.deps.Leaderboard.RefreshAll(ctx); err != nil {
			log.Warn("leaderboard refresh incomplete", "error", err)
			report.Warnings = append(report.Warnings, "leaderboard: "+err.Error())
		}
		if err := s.publish(ctx, report); err != nil {
			log.Warn("publish cycle event", "error", err)
			report.Warnings = append(report.Warnings, "publish: "+err.Error())
		}
	}

	if s.cfg.Retention > 0 {
		pruned, err := st.PruneBefore(clock.Now().Add(-s.cfg.Retention))
		if err != nil {
			log.Warn("prune failed", "error", err)
			report.Warnings = append(report.Warnings, "prune: "+err.Error())
		}
		report.Pruned = pruned
	}
	return report, nil
}

// fetchForecasts fetches every configured model in batches of BatchSize,
// pausing BatchDelay between batches. Failures are logged and reported per
// model; they never fail the cycle.
func (s *Scheduler) fetchForecasts(ctx context.Context, issue time.Time, log *slog.Logger) (int, []string) {
	var (
		mu     sync.Mutex
		stored int
		failed []string
		errs   *multierror.Error
	)
	specs := s.cfg.Models
	for i := 0; i < len(specs); i += s.cfg.BatchSize {
		if i > 0 && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return stored, failed
			case <-s.deps.Clock.After(s.cfg.BatchDelay):
			}
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.BatchSize)
		for _, spec := range specs[i:min(i+s.cfg.BatchSize, len(specs))] {
			g.Go(func() error {
				n, err := s.fetchModel(ctx, spec, issue, log)
				mu.Lock()
				defer mu.Unlock()
				stored += n
				if err != nil {
					failed = append(failed, spec.ID)
					errs = multierror.Append(errs, err)
				}
				return nil
			})
		}
		g.Wait() //nolint:errcheck // workers never return errors
	}
	sort.Strings(failed)
	if err := errs.ErrorOrNil(); err != nil {
		log.Warn("some models failed", "failed", failed, "error", err)
	}
	return stored, failed
}

func (s *Scheduler) fetchModel(ctx context.Context, spec ModelSpec, issue time.Time, log *slog.Logger) (int, error) {
	st := s.deps.Store
	var stored int
	err := audit(st, log, "forecast", spec.ID, func() (*FetchResult, int, error) {
		forecasts, result, err := s.deps.Forecasts.Fetch(ctx, spec, issue)
		if err != nil {
			return result, 0, err
		}
		n, err := st.UpsertForecasts(forecasts)
		if err != nil {
			return result, 0, fmt.Errorf("store forecasts: %w", err)
		}
		stored = n
		return result, n, nil
	})
	if err != nil {
		log.Warn("model fetch failed", "model", spec.ID, "data_quality", IsDataQuality(err), "error", err)
		if flagErr := st.SetModelUnavailable(spec.ID, true, err.Error()); flagErr != nil {
			log.Warn("flag model unavailable", "model", spec.ID, "error", flagErr)
		}
		return 0, err
	}
	if flagErr := st.SetModelUnavailable(spec.ID, false, ""); flagErr != nil {
		log.Warn("clear model flag", "model", spec.ID, "error", flagErr)
	}
	metrics.ForecastsIngested.WithLabelValues(spec.ID).Add(float64(stored))
	return stored, nil
}

func (s *Scheduler) fetchTAF(ctx context.Context, log *slog.Logger) error {
	st := s.deps.Store
	return audit(st, log, "taf", s.cfg.Station, func() (*FetchResult, int, error) {
		text, result, err := s.deps.TAF.FetchText(ctx)
		if err != nil {
			return result, 0, err
		}
		if err := st.SetMeta(store.MetaTAFText, text); err != nil {
			return result, 0, err
		}
		if err := st.SetMetaTime(store.MetaTAFFetched, s.deps.Clock.Now()); err != nil {
			return result, 0, err
		}
		return result, 1, nil
	})
}

func (s *Scheduler) publish(ctx context.Context, report *CycleReport) error {
	boards, err := s.deps.Leaderboard.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return s.deps.Publisher.Publish(ctx, notify.CycleEvent{
		CycleID:      report.ID,
		CompletedAt:  s.deps.Clock.Now().UTC(),
		Observations: report.Observations,
		Forecasts:    report.Forecasts,
		Synthetic:    report.Synthetic,
		Records:      report.Records,
		FailedModels: report.FailedModels,
		Leaderboards: boards,
	})
}

// Status describes the scheduler for the status endpoint.
type Status struct {
	State             string            `json:"state"`
	LastFetch         *time.Time        `json:"last_fetch,omitempty"`
	LastFetchAgo      string            `json:"last_fetch_ago,omitempty"`
	LastCycleError    string            `json:"last_cycle_error,omitempty"`
	UnavailableModels map[string]string `json:"unavailable_models,omitempty"`
	LastCycle         *CycleReport      `json:"last_cycle,omitempty"`
}

func (s *Scheduler) Status() (*Status, error) {
	st := s.deps.Store
	status := &Status{State: s.guard.State().String(), LastCycle: s.LastReport()}

	last, ok, err := st.GetMetaTime(store.MetaLastFetch)
	if err != nil {
		return nil, err
	}
	if ok {
		status.LastFetch = &last
		status.LastFetchAgo = humanize.RelTime(last, s.deps.Clock.Now(), "ago", "from now")
	}
	if msg, ok, err := st.GetMeta(store.MetaLastCycleError); err != nil {
		return nil, err
	} else if ok {
		status.LastCycleError = msg
	}
	if status.UnavailableModels, err = st.UnavailableModels(); err != nil {
		return nil, err
	}
	return status, nil
}
