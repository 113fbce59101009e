package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/modelscore/internal/store"
)

// Auditor records every upstream fetch.
type Auditor interface {
	StartIngestRun(source, target string) (*store.IngestRun, error)
	CompleteIngestRun(run *store.IngestRun) error
}

// audit wraps one fetch in an ingest run. stored is reported by fetch once it
// knows how many records it kept.
func audit(a Auditor, logger *slog.Logger, source, target string, fetch func() (*FetchResult, int, error)) error {
	run, err := a.StartIngestRun(source, target)
	if err != nil {
		logger.Warn("start ingest run", "source", source, "target", target, "error", err)
	}
	result, stored, fetchErr := fetch()
	if run == nil {
		return fetchErr
	}
	run.Success = fetchErr == nil
	if result != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(result.HTTPStatus), Valid: result.HTTPStatus > 0}
		run.RecordsParsed = sql.NullInt64{Int64: int64(result.RecordCount), Valid: true}
		run.RecordsDropped = sql.NullInt64{Int64: int64(result.Dropped), Valid: result.Dropped > 0}
	}
	if fetchErr == nil {
		run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	} else {
		run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
	}
	if err := a.CompleteIngestRun(run); err != nil {
		logger.Warn("complete ingest run", "source", source, "target", target, "error", err)
	}
	return fetchErr
}

// GroundTruth tries report sources in priority order and accepts the first
// one that returns at least minReports reports.
type GroundTruth struct {
	sources    []ReportSource
	minReports int
	station    string
	audit      Auditor
	logger     *slog.Logger
}

func NewGroundTruth(sources []ReportSource, minReports int, station string, auditor Auditor, logger *slog.Logger) *GroundTruth {
	if minReports < 1 {
		minReports = 1
	}
	return &GroundTruth{
		sources:    sources,
		minReports: minReports,
		station:    station,
		audit:      auditor,
		logger:     logger.With("component", "groundtruth"),
	}
}

// Fetch returns validated reports and the name of the source that supplied
// them. When every source fails the error wraps ErrGroundTruthUnavailable and
// each source's failure.
func (g *GroundTruth) Fetch(ctx context.Context, hours int) ([]Report, string, error) {
	var errs *multierror.Error
	for _, src := range g.sources {
		var reports []Report
		err := audit(g.audit, g.logger, src.Name(), g.station, func() (*FetchResult, int, error) {
			got, result, err := src.FetchReports(ctx, hours)
			if err != nil {
				return result, 0, err
			}
			if len(got) < g.minReports {
				return result, 0, fmt.Errorf("%w: %d reports, need %d", ErrDataQuality, len(got), g.minReports)
			}
			for i := range got {
				if flags := ValidateReport(&got[i]); len(flags) > 0 {
					g.logger.Debug("nulled implausible fields", "source", src.Name(), "observed_at", got[i].ObservedAt, "flags", flags)
				}
			}
			reports = got
			return result, len(got), nil
		})
		if err != nil {
			g.logger.Warn("ground truth source failed", "source", src.Name(), "retryable", retryable(err), "error", err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		return reports, src.Name(), nil
	}
	if errs == nil {
		return nil, "", fmt.Errorf("%w: no sources configured", ErrGroundTruthUnavailable)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrGroundTruthUnavailable, errs.ErrorOrNil())
}
