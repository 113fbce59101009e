package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/modelscore/internal/models"
)

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: clockwork.NewRealClock()}
}

// SetClock replaces the clock used for audit and metadata timestamps.
func (s *Store) SetClock(c clockwork.Clock) {
	s.clock = c
}

// Open opens the SQLite database at path with WAL journalling. An in-memory
// database is limited to one connection so every query sees the same data.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

const observationColumns = `observed_at, temp, dewpoint, wind_dir, wind_speed, wind_gust, visibility, pressure, ceiling,
	phenomena, raw_text, rain_amount, snow_amount, precip_amount`

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (models.Observation, error) {
	var (
		obs        models.Observation
		observedAt int64
		phenomena  string
	)
	err := row.Scan(&observedAt, &obs.Temp, &obs.Dewpoint, &obs.WindDir, &obs.WindSpeed, &obs.WindGust,
		&obs.Visibility, &obs.Pressure, &obs.Ceiling, &phenomena, &obs.RawText,
		&obs.RainAmount, &obs.SnowAmount, &obs.PrecipAmount)
	if err != nil {
		return obs, err
	}
	obs.ObservedAt = fromUnix(observedAt)
	obs.Phenomena = models.ParsePhenomena(phenomena)
	return obs, nil
}

// ReplaceObservations swaps every observation in [start, end] for obs in one
// transaction.
func (s *Store) ReplaceObservations(start, end time.Time, obs []models.Observation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM observations WHERE observed_at BETWEEN ? AND ?`, start.Unix(), end.Unix()); err != nil {
		return fmt.Errorf("clear observations: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO observations (` + observationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(observed_at) DO UPDATE SET
			temp = excluded.temp,
			dewpoint = excluded.dewpoint,
			wind_dir = excluded.wind_dir,
			wind_speed = excluded.wind_speed,
			wind_gust = excluded.wind_gust,
			visibility = excluded.visibility,
			pressure = excluded.pressure,
			ceiling = excluded.ceiling,
			phenomena = excluded.phenomena,
			raw_text = excluded.raw_text,
			rain_amount = excluded.rain_amount,
			snow_amount = excluded.snow_amount,
			precip_amount = excluded.precip_amount`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(o.ObservedAt.Unix(), o.Temp, o.Dewpoint, o.WindDir, o.WindSpeed, o.WindGust,
			o.Visibility, o.Pressure, o.Ceiling, o.Phenomena.String(), o.RawText,
			o.RainAmount, o.SnowAmount, o.PrecipAmount); err != nil {
			return fmt.Errorf("insert observation %s: %w", o.ObservedAt.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetLatestObservation() (*models.Observation, error) {
	row := s.db.QueryRow(`SELECT ` + observationColumns + ` FROM observations ORDER BY observed_at DESC LIMIT 1`)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// GetRecentObservations returns up to limit observations, newest first.
func (s *Store) GetRecentObservations(limit int) ([]models.Observation, error) {
	rows, err := s.db.Query(`SELECT `+observationColumns+` FROM observations ORDER BY observed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectObservations(rows)
}

// GetObservations returns observations in [start, end), oldest first.
func (s *Store) GetObservations(start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(`SELECT `+observationColumns+` FROM observations
		WHERE observed_at >= ? AND observed_at < ?
		ORDER BY observed_at`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	return collectObservations(rows)
}

func collectObservations(rows *sql.Rows) ([]models.Observation, error) {
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

var forecastColumns = func() string {
	cols := []string{"model", "issue_time", "valid_time"}
	for _, f := range models.ForecastFields {
		cols = append(cols, f.Column)
	}
	return strings.Join(cols, ", ")
}()

var upsertForecastSQL = func() string {
	var sets []string
	for _, f := range models.ForecastFields {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", f.Column, f.Column))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 3+len(models.ForecastFields)), ", ")
	return fmt.Sprintf(`INSERT INTO forecasts (%s) VALUES (%s)
		ON CONFLICT(model, issue_time, valid_time) DO UPDATE SET %s`,
		forecastColumns, placeholders, strings.Join(sets, ", "))
}()

// UpsertForecasts writes forecasts in one transaction, replacing any row with
// the same (model, issue_time, valid_time).
func (s *Store) UpsertForecasts(forecasts []models.Forecast) (int, error) {
	if len(forecasts) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertForecastSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	args := make([]any, 0, 3+len(models.ForecastFields))
	for i := range forecasts {
		f := &forecasts[i]
		args = append(args[:0], f.Model, f.IssueTime.Unix(), f.ValidTime.Unix())
		for _, field := range models.ForecastFields {
			args = append(args, *field.Ref(f))
		}
		if _, err := stmt.Exec(args...); err != nil {
			return 0, fmt.Errorf("upsert forecast %s %s: %w", f.Model, f.ValidTime.Format(time.RFC3339), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(forecasts), nil
}

// GetForecastsValidBetween returns every forecast, concrete and synthetic,
// with a valid time in [start, end).
func (s *Store) GetForecastsValidBetween(start, end time.Time) ([]models.Forecast, error) {
	rows, err := s.db.Query(`SELECT `+forecastColumns+` FROM forecasts
		WHERE valid_time >= ? AND valid_time < ?
		ORDER BY valid_time, issue_time, model`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Forecast
	dest := make([]any, 3+len(models.ForecastFields))
	for rows.Next() {
		var (
			f            models.Forecast
			issue, valid int64
		)
		dest[0], dest[1], dest[2] = &f.Model, &issue, &valid
		for i, field := range models.ForecastFields {
			dest[3+i] = field.Ref(&f)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		f.IssueTime, f.ValidTime = fromUnix(issue), fromUnix(valid)
		out = append(out, f)
	}
	return out, rows.Err()
}

// LatestIssueTimes returns the newest issue time stored for each model.
func (s *Store) LatestIssueTimes() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT model, MAX(issue_time) FROM forecasts GROUP BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			model string
			issue int64
		)
		if err := rows.Scan(&model, &issue); err != nil {
			return nil, err
		}
		out[model] = fromUnix(issue)
	}
	return out, rows.Err()
}

// PruneResult counts rows removed by PruneBefore.
type PruneResult struct {
	Observations int64
	Forecasts    int64
	Records      int64
}

// PruneBefore deletes raw observations, forecasts and verification records
// older than cutoff. Rollups and the leaderboard cache are kept.
func (s *Store) PruneBefore(cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	tx, err := s.db.Begin()
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, q := range []struct {
		sql string
		n   *int64
	}{
		{`DELETE FROM observations WHERE observed_at < ?`, &res.Observations},
		{`DELETE FROM forecasts WHERE valid_time < ?`, &res.Forecasts},
		{`DELETE FROM verification_records WHERE valid_time < ?`, &res.Records},
	} {
		r, err := tx.Exec(q.sql, cutoff.Unix())
		if err != nil {
			return res, err
		}
		if *q.n, err = r.RowsAffected(); err != nil {
			return res, err
		}
	}
	return res, tx.Commit()
}
