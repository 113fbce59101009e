package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/lox/modelscore/internal/forecast"
	"github.com/lox/modelscore/internal/leaderboard"
	"github.com/lox/modelscore/internal/models"
	"github.com/lox/modelscore/internal/notify"
	"github.com/lox/modelscore/internal/store"
	"github.com/lox/modelscore/internal/verify"
)

var cycleNow = time.Date(2026, 3, 10, 12, 20, 0, 0, time.UTC)

func setupTestStore(t *testing.T, clock clockwork.Clock) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	st.SetClock(clock)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func testBuckets(t *testing.T, spec string) verify.BucketSet {
	t.Helper()
	b, err := verify.ParseBuckets(spec, verify.HalfOpen)
	if err != nil {
		t.Fatalf("ParseBuckets: %v", err)
	}
	return b
}

type fakeGroundTruth struct {
	reports []Report
	err     error
	block   chan struct{}
}

func (f *fakeGroundTruth) Fetch(ctx context.Context, hours int) ([]Report, string, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.reports, "fake", nil
}

type failingAmounts struct{}

func (failingAmounts) FetchAmounts(context.Context, time.Time, time.Time) (map[int64]Amounts, *FetchResult, error) {
	return nil, &FetchResult{HTTPStatus: 500}, &StatusError{Code: 500}
}

type fakeForecasts struct {
	temps map[string]float64
	calls atomic.Int32
}

func (f *fakeForecasts) Fetch(ctx context.Context, spec ModelSpec, issue time.Time) ([]models.Forecast, *FetchResult, error) {
	f.calls.Add(1)
	temp, ok := f.temps[spec.ID]
	if !ok {
		return nil, &FetchResult{HTTPStatus: 200}, fmt.Errorf("model %s: all fallbacks exhausted: %w", spec.ID, ErrDataQuality)
	}
	return series(spec.ID, issue, issue, 30, temp), &FetchResult{HTTPStatus: 200, RecordCount: 30}, nil
}

func series(model string, issue, from time.Time, n int, temp float64) []models.Forecast {
	out := make([]models.Forecast, n)
	for i := range out {
		out[i] = models.Forecast{
			Model:     model,
			IssueTime: issue,
			ValidTime: from.Add(time.Duration(i) * time.Hour),
			Temp:      nf(temp),
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.CycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e notify.CycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type cycleFixture struct {
	store     *store.Store
	clock     *clockwork.FakeClock
	scheduler *Scheduler
	forecasts *fakeForecasts
	truth     *fakeGroundTruth
	publisher *recordingPublisher
}

func newCycleFixture(t *testing.T, cfg SchedulerConfig) *cycleFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(cycleNow)
	st := setupTestStore(t, clock)
	buckets := testBuckets(t, "0-24,24-48")
	logger := discardLogger()

	f := &cycleFixture{
		store:     st,
		clock:     clock,
		forecasts: &fakeForecasts{temps: map[string]float64{"gfs": 11, "icon": 13}},
		truth:     &fakeGroundTruth{reports: hourlyReports(time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC), 7)},
		publisher: &recordingPublisher{},
	}
	if cfg.Models == nil {
		cfg.Models = []ModelSpec{{ID: "gfs"}, {ID: "icon"}, {ID: "bad"}}
	}
	if cfg.LookbackHours == 0 {
		cfg.LookbackHours = 6
	}
	cfg.Retention = 45 * 24 * time.Hour
	f.scheduler = NewScheduler(SchedulerDeps{
		Store:       st,
		GroundTruth: f.truth,
		Amounts:     failingAmounts{},
		Forecasts:   f.forecasts,
		Daily:       NewDailyJobs(st, buckets, clock, 0, logger),
		Generator:   forecast.NewGenerator(st, 24*time.Hour, logger),
		Leaderboard: leaderboard.New(st, buckets, clock, logger),
		Publisher:   f.publisher,
		Clock:       clock,
		Logger:      logger,
	}, cfg)

	// an earlier issue supplies forecasts for the hours being verified
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	var prior []models.Forecast
	prior = append(prior, series("gfs", midnight, midnight, 24, 11)...)
	prior = append(prior, series("icon", midnight, midnight, 24, 13)...)
	if _, err := st.UpsertForecasts(prior); err != nil {
		t.Fatalf("UpsertForecasts: %v", err)
	}
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := st.ReplaceObservations(old, old, []models.Observation{{ObservedAt: old, Temp: nf(1)}}); err != nil {
		t.Fatalf("ReplaceObservations: %v", err)
	}
	return f
}

func TestRunCycle(t *testing.T) {
	f := newCycleFixture(t, SchedulerConfig{})

	report, err := f.scheduler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Observations != 7 {
		t.Errorf("observations = %d, want 7", report.Observations)
	}
	if report.Forecasts != 60 {
		t.Errorf("forecasts = %d, want 60", report.Forecasts)
	}
	if report.Synthetic != 96 {
		t.Errorf("synthetic = %d, want 96", report.Synthetic)
	}
	if report.Records != 32 {
		t.Errorf("records = %d, want 32", report.Records)
	}
	if report.RollupDays != 1 {
		t.Errorf("rollup days = %d, want 1", report.RollupDays)
	}
	if len(report.FailedModels) != 1 || report.FailedModels[0] != "bad" {
		t.Errorf("failed models = %v", report.FailedModels)
	}
	if report.Pruned.Observations != 1 {
		t.Errorf("pruned observations = %d, want 1", report.Pruned.Observations)
	}
	if len(report.Warnings) == 0 || !strings.HasPrefix(report.Warnings[0], "reanalysis") {
		t.Errorf("warnings = %v, want reanalysis degradation", report.Warnings)
	}
	if f.scheduler.State() != StateIdle {
		t.Errorf("state = %v, want idle", f.scheduler.State())
	}

	latest, err := f.store.GetLatestObservation()
	if err != nil || latest == nil {
		t.Fatalf("GetLatestObservation: %v, %v", latest, err)
	}
	if latest.RainAmount.Valid {
		t.Error("amounts should be null when reanalysis failed")
	}

	unavailable, err := f.store.UnavailableModels()
	if err != nil {
		t.Fatalf("UnavailableModels: %v", err)
	}
	if _, ok := unavailable["bad"]; !ok || len(unavailable) != 1 {
		t.Errorf("unavailable = %v, want only bad", unavailable)
	}

	cached, err := f.store.GetLeaderboard("0-24", verify.VarComposite)
	if err != nil || cached == nil {
		t.Fatalf("composite not cached: %v", err)
	}
	var order []string
	for _, r := range cached.Rows {
		order = append(order, r.Model)
	}
	want := []string{"gfs", models.ModelAverage, models.ModelMedian, "icon"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("composite order = %v, want %v", order, want)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("published %d events, want 1", len(f.publisher.events))
	}
	event := f.publisher.events[0]
	if event.CycleID != report.ID || len(event.Leaderboards["0-24"]) != 4 {
		t.Errorf("event = %+v", event)
	}

	status, err := f.scheduler.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "idle" || status.LastFetch == nil || status.LastCycle == nil {
		t.Errorf("status = %+v", status)
	}
	if status.LastFetchAgo != "now" {
		t.Errorf("last fetch ago = %q", status.LastFetchAgo)
	}
}

func TestRunCycleIsRepeatable(t *testing.T) {
	f := newCycleFixture(t, SchedulerConfig{})
	ctx := context.Background()

	if _, err := f.scheduler.RunCycle(ctx); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	before, err := f.store.GetRollups(store.RollupFilter{})
	if err != nil {
		t.Fatalf("GetRollups: %v", err)
	}
	if _, err := f.scheduler.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	after, err := f.store.GetRollups(store.RollupFilter{})
	if err != nil {
		t.Fatalf("GetRollups: %v", err)
	}
	if len(before) == 0 {
		t.Fatal("no rollups after first cycle")
	}
	if diff := cmp.Diff(before, after, approx); diff != "" {
		t.Errorf("rollups changed on rerun (-first +second):\n%s", diff)
	}
}

func TestRunCycleGroundTruthFailure(t *testing.T) {
	f := newCycleFixture(t, SchedulerConfig{})
	f.truth.err = fmt.Errorf("%w: every source failed", ErrGroundTruthUnavailable)

	_, err := f.scheduler.RunCycle(context.Background())
	if !errors.Is(err, ErrGroundTruthUnavailable) {
		t.Fatalf("error = %v, want ErrGroundTruthUnavailable", err)
	}
	if f.scheduler.State() != StateError {
		t.Errorf("state = %v, want error", f.scheduler.State())
	}
	if f.forecasts.calls.Load() != 0 {
		t.Error("forecasts fetched after ground truth failed")
	}
	msg, ok, err := f.store.GetMeta(store.MetaLastCycleError)
	if err != nil || !ok || !strings.Contains(msg, "ground truth unavailable") {
		t.Errorf("last cycle error = %q, %v, %v", msg, ok, err)
	}
}

func TestTriggerSingleFlight(t *testing.T) {
	f := newCycleFixture(t, SchedulerConfig{})
	f.truth.block = make(chan struct{})
	ctx := context.Background()

	if err := f.scheduler.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := f.scheduler.Trigger(ctx); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("second Trigger = %v, want ErrCycleRunning", err)
	}
	if _, err := f.scheduler.RunCycle(ctx); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("RunCycle during trigger = %v, want ErrCycleRunning", err)
	}
	close(f.truth.block)

	deadline := time.Now().Add(5 * time.Second)
	for f.scheduler.State() == StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("triggered cycle did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if report := f.scheduler.LastReport(); report == nil || report.Observations != 7 {
		t.Errorf("last report = %+v", report)
	}
}

func TestForecastBatchPacing(t *testing.T) {
	f := newCycleFixture(t, SchedulerConfig{BatchSize: 2, BatchDelay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := f.scheduler.RunCycle(ctx)
		done <- err
	}()

	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for batch delay: %v", err)
	}
	if got := f.forecasts.calls.Load(); got != 2 {
		t.Errorf("calls before delay = %d, want 2", got)
	}
	f.clock.Advance(time.Minute)

	if err := <-done; err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := f.forecasts.calls.Load(); got != 3 {
		t.Errorf("calls after delay = %d, want 3", got)
	}
}
