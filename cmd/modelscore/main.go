package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"golang.org/x/sync/errgroup"

	"github.com/lox/modelscore/internal/api"
	"github.com/lox/modelscore/internal/config"
	"github.com/lox/modelscore/internal/forecast"
	"github.com/lox/modelscore/internal/ingest"
	"github.com/lox/modelscore/internal/leaderboard"
	"github.com/lox/modelscore/internal/logging"
	"github.com/lox/modelscore/internal/notify"
	"github.com/lox/modelscore/internal/store"
)

var version = "dev"

type CLI struct {
	config.Config `embed:""`

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	Version kong.VersionFlag         `help:"Print version and exit."`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run scheduled cycles and the HTTP API."`
	Cycle    CycleCmd    `cmd:"" help:"Run one update cycle and exit."`
	Backfill BackfillCmd `cmd:"" help:"Rebuild missing daily rollups and exit."`
	Prune    PruneCmd    `cmd:"" help:"Delete raw data older than the retention window and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("modelscore"),
		kong.Description("Scores weather forecast models against station observations."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Config))
}

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	clock     clockwork.Clock
	store     *store.Store
	daily     *ingest.DailyJobs
	boards    *leaderboard.Service
	scheduler *ingest.Scheduler
	publisher notify.Publisher
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.Level(), version)
	slog.SetDefault(logger)

	buckets, err := cfg.BucketSet()
	if err != nil {
		return nil, fmt.Errorf("buckets: %w", err)
	}

	if cfg.Database != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	clock := clockwork.NewRealClock()
	st := store.New(db)
	st.SetClock(clock)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		store:     st,
		daily:     ingest.NewDailyJobs(st, buckets, clock, cfg.BackfillPacing, logger),
		boards:    leaderboard.New(st, buckets, clock, logger),
		publisher: notify.Discard{},
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.publisher = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("publishing cycle events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	a.scheduler = a.newScheduler()
	return a, nil
}

func (a *app) newScheduler() *ingest.Scheduler {
	cfg, logger := a.cfg, a.logger
	fetcher := ingest.NewFetcher(ingest.WithRateLimit(cfg.RateLimit, 1))

	sources := []ingest.ReportSource{ingest.NewMetarClient(fetcher, cfg.MetarURL, cfg.Station)}
	if cfg.MirrorHost != "" {
		sources = append(sources, ingest.NewFTPMirror(cfg.MirrorHost, cfg.Station, a.clock))
	}

	specs := make([]ingest.ModelSpec, len(cfg.Models))
	for i, id := range cfg.Models {
		specs[i] = ingest.ModelSpec{ID: id, Attempts: ingest.DefaultAttempts(cfg.ForecastURL, id, cfg.Latitude, cfg.Longitude)}
	}

	return ingest.NewScheduler(ingest.SchedulerDeps{
		Store:       a.store,
		GroundTruth: ingest.NewGroundTruth(sources, cfg.MinReports, cfg.Station, a.store, logger),
		Amounts:     ingest.NewReanalysisClient(fetcher, cfg.ReanalysisURL, cfg.Latitude, cfg.Longitude),
		Forecasts:   ingest.NewForecastClient(fetcher, logger),
		TAF:         ingest.NewTAFClient(fetcher, cfg.MetarURL, cfg.Station),
		Daily:       a.daily,
		Generator:   forecast.NewGenerator(a.store, 24*time.Hour, logger),
		Leaderboard: a.boards,
		Publisher:   a.publisher,
		Clock:       a.clock,
		Logger:      logger,
	}, ingest.SchedulerConfig{
		Models:        specs,
		Station:       cfg.Station,
		LookbackHours: cfg.LookbackHours,
		Retention:     cfg.Retention(),
		BatchSize:     cfg.FetchConcurrency,
		BatchDelay:    cfg.BatchDelay,
		Schedule:      cfg.Schedule,
	})
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("close publisher", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// ensureRollups resets rollups after a bucket change; callers backfill next.
func (a *app) ensureRollups() error {
	reset, err := a.daily.EnsureRollupVersion()
	if err != nil {
		return err
	}
	if reset {
		a.logger.Warn("rollups reset for new bucket configuration")
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type ServeCmd struct {
	NoInitialCycle bool `help:"Wait for the first scheduled tick instead of running a cycle at startup."`
}

func (c *ServeCmd) Run(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureRollups(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	server := api.NewServer(cfg.Addr, a.store, a.boards, a.scheduler, a.clock, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error {
		n, err := a.daily.Backfill(ctx, false)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			a.logger.Error("backfill failed", "error", err)
			return nil
		}
		if n > 0 {
			if err := a.boards.RefreshAll(ctx); err != nil {
				a.logger.Warn("leaderboard refresh after backfill", "error", err)
			}
		}
		return nil
	})
	if !c.NoInitialCycle {
		if err := a.scheduler.Trigger(ctx); err != nil {
			a.logger.Warn("initial cycle not started", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

type CycleCmd struct{}

func (c *CycleCmd) Run(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureRollups(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	report, err := a.scheduler.RunCycle(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("cycle finished",
		"id", report.ID,
		"observations", report.Observations,
		"forecasts", report.Forecasts,
		"records", report.Records,
		"failed_models", report.FailedModels,
		"warnings", len(report.Warnings))
	return nil
}

type BackfillCmd struct {
	Force bool `help:"Run even if a previous backfill completed."`
}

func (c *BackfillCmd) Run(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureRollups(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	n, err := a.daily.Backfill(ctx, c.Force)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	a.logger.Info("backfill finished", "days", n)
	return a.boards.RefreshAll(ctx)
}

type PruneCmd struct{}

func (c *PruneCmd) Run(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cutoff := a.clock.Now().Add(-cfg.Retention())
	res, err := a.store.PruneBefore(cutoff)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	a.logger.Info("pruned raw data",
		"cutoff", cutoff.Format(time.RFC3339),
		"observations", res.Observations,
		"forecasts", res.Forecasts,
		"records", res.Records)
	return nil
}
