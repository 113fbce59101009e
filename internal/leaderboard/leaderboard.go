// Package leaderboard answers ranking queries from daily rollups and keeps
// the per-(bucket, variable) cache current.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/lox/modelscore/internal/metrics"
	"github.com/lox/modelscore/internal/models"
	"github.com/lox/modelscore/internal/store"
	"github.com/lox/modelscore/internal/verify"
)

var (
	ErrUnknownBucket   = errors.New("unknown bucket")
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrSuperseded means a newer request for the same view arrived while
	// this one was computing; its result was not stored.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// View is a ranked leaderboard with its provenance.
type View struct {
	Bucket     string                  `json:"bucket"`
	Variable   string                  `json:"variable"`
	Rows       []models.LeaderboardRow `json:"rows"`
	ComputedAt time.Time               `json:"computed_at"`
	Cached     bool                    `json:"cached"`
}

type Service struct {
	store   *store.Store
	buckets verify.BucketSet
	clock   clockwork.Clock
	logger  *slog.Logger
}

func New(st *store.Store, buckets verify.BucketSet, clock clockwork.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		buckets: buckets,
		clock:   clock,
		logger:  logger.With("component", "leaderboard"),
	}
}

func (s *Service) Buckets() verify.BucketSet {
	return s.buckets
}

// Variables lists every view name for a bucket: the composite then the catalogue.
func Variables() []string {
	out := []string{verify.VarComposite}
	for _, v := range verify.Catalogue {
		out = append(out, v.Name)
	}
	return out
}

func (s *Service) check(bucket, variable string) (verify.Bucket, error) {
	b, ok := s.buckets.Lookup(bucket)
	if !ok {
		return b, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}
	if variable == verify.VarComposite {
		return b, nil
	}
	if _, ok := verify.Lookup(variable); !ok {
		return b, fmt.Errorf("%w: %q", ErrUnknownVariable, variable)
	}
	return b, nil
}

// Stats reduces the rollups for one bucket. An empty variable or the
// composite name returns every variable.
func (s *Service) Stats(bucket, variable string) ([]verify.Stats, error) {
	if _, err := s.check(bucket, variable); err != nil {
		return nil, err
	}
	filter := store.RollupFilter{Bucket: bucket}
	if variable != verify.VarComposite {
		filter.Variable = variable
	}
	accs, err := s.store.GetRollups(filter)
	if err != nil {
		return nil, fmt.Errorf("load rollups: %w", err)
	}
	return verify.AggregateAccumulators(accs), nil
}

// LiveStats reduces raw verification records instead of rollups. It only sees
// data inside the retention window.
func (s *Service) LiveStats(bucket, variable string) ([]verify.Stats, error) {
	b, err := s.check(bucket, variable)
	if err != nil {
		return nil, err
	}
	if variable == verify.VarComposite {
		variable = ""
	}
	lo, hi := s.buckets.LeadRange(b)
	records, err := s.store.GetRecordsByLead(lo, hi, variable)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return verify.AggregateRecords(records, s.buckets, b, variable), nil
}

func rank(bucket, variable string, stats []verify.Stats) ([]models.LeaderboardRow, error) {
	if variable == verify.VarComposite {
		return verify.Composite(bucket, stats)
	}
	return verify.RankVariable(bucket, variable, stats)
}

// Compute ranks models for one view from rollups without touching the cache.
func (s *Service) Compute(bucket, variable string) ([]models.LeaderboardRow, error) {
	stats, err := s.Stats(bucket, variable)
	if err != nil {
		return nil, err
	}
	return rank(bucket, variable, stats)
}

// ComputeLive ranks models for one view from raw records.
func (s *Service) ComputeLive(bucket, variable string) ([]models.LeaderboardRow, error) {
	stats, err := s.LiveStats(bucket, variable)
	if err != nil {
		return nil, err
	}
	return rank(bucket, variable, stats)
}

// Get serves a view from the cache, computing and writing it through on a
// miss. current is consulted after a miss is computed; when it reports false
// the result is dropped and ErrSuperseded returned. A nil current always
// applies.
func (s *Service) Get(ctx context.Context, bucket, variable string, current func() bool) (*View, error) {
	if _, err := s.check(bucket, variable); err != nil {
		return nil, err
	}
	cached, err := s.store.GetLeaderboard(bucket, variable)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if cached != nil {
		metrics.LeaderboardCache.WithLabelValues("hit").Inc()
		return &View{Bucket: bucket, Variable: variable, Rows: cached.Rows, ComputedAt: cached.ComputedAt, Cached: true}, nil
	}
	metrics.LeaderboardCache.WithLabelValues("miss").Inc()

	rows, err := s.Compute(bucket, variable)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if current != nil && !current() {
		return nil, ErrSuperseded
	}
	if err := s.store.PutLeaderboard(bucket, variable, rows); err != nil {
		s.logger.Warn("write-through failed", "bucket", bucket, "variable", variable, "error", err)
	}
	return &View{Bucket: bucket, Variable: variable, Rows: rows, ComputedAt: s.clock.Now().UTC()}, nil
}

// RefreshAll recomputes every cached view. Views with no qualifying model
// are skipped; other failures are collected and returned together.
func (s *Service) RefreshAll(ctx context.Context) error {
	var errs *multierror.Error
	refreshed := 0
	for _, bucket := range s.buckets.Names() {
		for _, variable := range Variables() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := s.Compute(bucket, variable)
			if errors.Is(err, verify.ErrInsufficientData) {
				continue
			}
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s/%s: %w", bucket, variable, err))
				continue
			}
			if err := s.store.PutLeaderboard(bucket, variable, rows); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("store %s/%s: %w", bucket, variable, err))
				continue
			}
			refreshed++
		}
	}
	s.logger.Info("refreshed leaderboard cache", "views", refreshed)
	return errs.ErrorOrNil()
}

// ModelStats returns one model's per-variable statistics in every bucket.
func (s *Service) ModelStats(model string) (map[string][]verify.Stats, error) {
	accs, err := s.store.GetRollups(store.RollupFilter{Model: model})
	if err != nil {
		return nil, fmt.Errorf("load rollups: %w", err)
	}
	byBucket := make(map[string][]models.DailyStatAccumulator)
	for _, a := range accs {
		byBucket[a.Bucket] = append(byBucket[a.Bucket], a)
	}
	out := make(map[string][]verify.Stats, len(byBucket))
	for _, b := range s.buckets.Buckets {
		if list, ok := byBucket[b.Name]; ok {
			out[b.Name] = verify.AggregateAccumulators(list)
		}
	}
	return out, nil
}

// Snapshot returns the composite ranking for every bucket that has one.
func (s *Service) Snapshot(ctx context.Context) (map[string][]models.LeaderboardRow, error) {
	out := make(map[string][]models.LeaderboardRow)
	for _, bucket := range s.buckets.Names() {
		view, err := s.Get(ctx, bucket, verify.VarComposite, nil)
		if errors.Is(err, verify.ErrInsufficientData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[bucket] = view.Rows
	}
	return out, nil
}
