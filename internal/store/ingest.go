package store

import (
	"database/sql"
	"time"
)

// IngestRun represents a single upstream fetch for auditing.
type IngestRun struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Source         string // "metar", "mirror", "reanalysis", "forecast", "taf"
	Target         string // station or model id
	HTTPStatus     sql.NullInt64
	RecordsParsed  sql.NullInt64
	RecordsStored  sql.NullInt64
	RecordsDropped sql.NullInt64 // records discarded for invariant violations
	Success        bool
	ErrorMessage   sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(source, target string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: s.clock.Now().UTC().Truncate(time.Second),
		Source:    source,
		Target:    target,
	}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (started_at, source, target, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt.Unix(), run.Source, run.Target)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC().Truncate(time.Second), Valid: true}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			records_parsed = ?,
			records_stored = ?,
			records_dropped = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt.Time.Unix(), run.HTTPStatus, run.RecordsParsed,
		run.RecordsStored, run.RecordsDropped, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary aggregates runs per source and target.
type IngestHealthSummary struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	TotalRuns      int    `json:"total_runs"`
	SuccessRuns    int    `json:"success_runs"`
	FailedRuns     int    `json:"failed_runs"`
	RecordsStored  int64  `json:"records_stored"`
	RecordsDropped int64  `json:"records_dropped"`
}

// GetIngestHealth summarises runs started at or after since.
func (s *Store) GetIngestHealth(since time.Time) ([]IngestHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			source,
			target,
			COUNT(*) AS total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) AS failed_runs,
			COALESCE(SUM(records_stored), 0) AS records_stored,
			COALESCE(SUM(records_dropped), 0) AS records_dropped
		FROM ingest_runs
		WHERE started_at >= ?
		GROUP BY source, target
		ORDER BY source, target
	`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Source, &h.Target, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns,
			&h.RecordsStored, &h.RecordsDropped); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, target, http_status,
			   records_parsed, records_stored, records_dropped, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var (
			r        IngestRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Source, &r.Target, &r.HTTPStatus,
			&r.RecordsParsed, &r.RecordsStored, &r.RecordsDropped, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnix(started)
		if finished.Valid {
			r.FinishedAt = sql.NullTime{Time: fromUnix(finished.Int64), Valid: true}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
