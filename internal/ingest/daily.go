package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/modelscore/internal/metrics"
	"github.com/lox/modelscore/internal/store"
	"github.com/lox/modelscore/internal/verify"
)

// DailyJobs derives verification records and daily rollups from stored
// observations and forecasts.
type DailyJobs struct {
	store   *store.Store
	buckets verify.BucketSet
	clock   clockwork.Clock
	pacing  time.Duration
	logger  *slog.Logger
}

// NewDailyJobs returns jobs that wait pacing between days during backfill.
func NewDailyJobs(st *store.Store, buckets verify.BucketSet, clock clockwork.Clock, pacing time.Duration, logger *slog.Logger) *DailyJobs {
	return &DailyJobs{
		store:   st,
		buckets: buckets,
		clock:   clock,
		pacing:  pacing,
		logger:  logger.With("component", "daily"),
	}
}

// VerifyWindow verifies every observation in [start, end) one UTC day at a
// time. It returns the number of records written and the days touched.
func (d *DailyJobs) VerifyWindow(ctx context.Context, start, end time.Time) (int, []time.Time, error) {
	var (
		written int
		days    []time.Time
	)
	for day := verify.Day(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return written, days, err
		}
		lo, hi := day, day.AddDate(0, 0, 1)
		if lo.Before(start) {
			lo = start
		}
		if hi.After(end) {
			hi = end
		}

		obs, err := d.store.GetObservations(lo, hi)
		if err != nil {
			return written, days, fmt.Errorf("load observations %s: %w", day.Format(time.DateOnly), err)
		}
		if len(obs) == 0 {
			continue
		}
		forecasts, err := d.store.GetForecastsValidBetween(lo, hi)
		if err != nil {
			return written, days, fmt.Errorf("load forecasts %s: %w", day.Format(time.DateOnly), err)
		}

		records := verify.Verify(obs, forecasts)
		if len(records) == 0 {
			continue
		}
		n, err := d.store.UpsertVerificationRecords(records)
		if err != nil {
			return written, days, fmt.Errorf("store records %s: %w", day.Format(time.DateOnly), err)
		}
		metrics.VerificationRecords.Add(float64(n))
		written += n
		days = append(days, day)
	}
	d.logger.Info("verified window", "start", start, "end", end, "records", written, "days", len(days))
	return written, days, nil
}

// RollupDay rebuilds the accumulators for one UTC day from its records. A
// day with no remaining records keeps its existing rollups, so pruning raw
// history never erases them.
func (d *DailyJobs) RollupDay(date time.Time) (int, error) {
	day := verify.Day(date)
	records, err := d.store.GetVerificationRecords(day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("load records %s: %w", day.Format(time.DateOnly), err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	accs := verify.Rollup(records, d.buckets)
	if err := d.store.ReplaceDailyRollups(day, accs); err != nil {
		return 0, fmt.Errorf("store rollups %s: %w", day.Format(time.DateOnly), err)
	}
	return len(accs), nil
}

// RollupDays rebuilds each listed day.
func (d *DailyJobs) RollupDays(ctx context.Context, days []time.Time) error {
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.RollupDay(day)
		if err != nil {
			return err
		}
		d.logger.Debug("rolled up day", "date", day.Format(time.DateOnly), "accumulators", n)
	}
	return nil
}

// EnsureRollupVersion compares the bucket fingerprint against the stored one.
// On a change every rollup is cleared and the backfill marker reset. It
// reports whether a reset happened.
func (d *DailyJobs) EnsureRollupVersion() (bool, error) {
	fp := d.buckets.Fingerprint()
	stored, ok, err := d.store.GetMeta(store.MetaBucketFingerprint)
	if err != nil {
		return false, fmt.Errorf("read bucket fingerprint: %w", err)
	}
	if ok && stored == fp {
		return false, nil
	}
	if ok {
		d.logger.Warn("bucket configuration changed, clearing rollups", "old", stored, "new", fp)
		if err := d.store.ClearRollups(); err != nil {
			return false, fmt.Errorf("clear rollups: %w", err)
		}
		if err := d.store.DeleteMeta(store.MetaBackfillDone); err != nil {
			return false, fmt.Errorf("reset backfill marker: %w", err)
		}
	}
	if err := d.store.SetMeta(store.MetaBucketFingerprint, fp); err != nil {
		return false, fmt.Errorf("store bucket fingerprint: %w", err)
	}
	return ok, nil
}

// MissingRollupDays lists days that have verification records but no rollups.
func (d *DailyJobs) MissingRollupDays() ([]time.Time, error) {
	have, err := d.store.RollupDates()
	if err != nil {
		return nil, err
	}
	rolled := make(map[string]bool, len(have))
	for _, t := range have {
		rolled[t.Format(time.DateOnly)] = true
	}
	all, err := d.store.VerificationDates()
	if err != nil {
		return nil, err
	}
	var missing []time.Time
	for _, t := range all {
		if !rolled[t.Format(time.DateOnly)] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Backfill rolls up every day missing from the rollup table, waiting the
// pacing interval between days. It runs once; the completion marker makes
// later calls no-ops until force is set or the buckets change.
func (d *DailyJobs) Backfill(ctx context.Context, force bool) (int, error) {
	if !force {
		_, done, err := d.store.GetMeta(store.MetaBackfillDone)
		if err != nil {
			return 0, fmt.Errorf("read backfill marker: %w", err)
		}
		if done {
			return 0, nil
		}
	}

	missing, err := d.MissingRollupDays()
	if err != nil {
		return 0, fmt.Errorf("find missing days: %w", err)
	}
	d.logger.Info("backfilling rollups", "days", len(missing))

	for i, day := range missing {
		if i > 0 && d.pacing > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-d.clock.After(d.pacing):
			}
		}
		if _, err := d.RollupDay(day); err != nil {
			return i, err
		}
	}

	if err := d.store.SetMetaTime(store.MetaBackfillDone, d.clock.Now()); err != nil {
		return len(missing), fmt.Errorf("mark backfill done: %w", err)
	}
	d.logger.Info("backfill complete", "days", len(missing))
	return len(missing), nil
}
