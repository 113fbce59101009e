package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/modelscore/internal/models"
)

const recordColumns = `model, variable, valid_time, lead_hours, forecast_value, observed_value,
	error, abs_error, sq_error, pct_error, bias`

// UpsertVerificationRecords writes records in one transaction. A record with
// an existing key overwrites the earlier one.
func (s *Store) UpsertVerificationRecords(records []models.VerificationRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO verification_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, variable, valid_time, lead_hours) DO UPDATE SET
			forecast_value = excluded.forecast_value,
			observed_value = excluded.observed_value,
			error = excluded.error,
			abs_error = excluded.abs_error,
			sq_error = excluded.sq_error,
			pct_error = excluded.pct_error,
			bias = excluded.bias`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Model, r.Variable, r.ValidTime.Unix(), r.LeadHours, r.ForecastValue, r.ObservedValue,
			r.Error, r.AbsError, r.SqError, r.PctError, r.Bias); err != nil {
			return 0, fmt.Errorf("upsert record %s/%s: %w", r.Model, r.Variable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// GetVerificationRecords returns records with a valid time in [start, end).
func (s *Store) GetVerificationRecords(start, end time.Time) ([]models.VerificationRecord, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM verification_records
		WHERE valid_time >= ? AND valid_time < ?
		ORDER BY valid_time, model, variable, lead_hours`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// GetRecordsByLead returns records with lead hours in [minLead, maxLead]. An
// empty variable matches every variable.
func (s *Store) GetRecordsByLead(minLead, maxLead int, variable string) ([]models.VerificationRecord, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM verification_records
		WHERE lead_hours BETWEEN ? AND ? AND (? = '' OR variable = ?)
		ORDER BY valid_time, model, variable, lead_hours`, minLead, maxLead, variable, variable)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]models.VerificationRecord, error) {
	defer rows.Close()
	var out []models.VerificationRecord
	for rows.Next() {
		var (
			r     models.VerificationRecord
			valid int64
		)
		if err := rows.Scan(&r.Model, &r.Variable, &valid, &r.LeadHours, &r.ForecastValue, &r.ObservedValue,
			&r.Error, &r.AbsError, &r.SqError, &r.PctError, &r.Bias); err != nil {
			return nil, err
		}
		r.ValidTime = fromUnix(valid)
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerificationDates lists the UTC days that have at least one record.
func (s *Store) VerificationDates() ([]time.Time, error) {
	return s.queryDates(`SELECT DISTINCT date(valid_time, 'unixepoch') AS d FROM verification_records ORDER BY d`)
}

// RollupDates lists the days that have at least one rollup row.
func (s *Store) RollupDates() ([]time.Time, error) {
	return s.queryDates(`SELECT DISTINCT date FROM daily_rollups ORDER BY date`)
}

func (s *Store) queryDates(query string) ([]time.Time, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", d, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplaceDailyRollups swaps every rollup row for date with accs.
func (s *Store) ReplaceDailyRollups(date time.Time, accs []models.DailyStatAccumulator) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	day := date.UTC().Format(time.DateOnly)
	if _, err := tx.Exec(`DELETE FROM daily_rollups WHERE date = ?`, day); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO daily_rollups (date, model, variable, bucket, sum_abs, sum_sq, sum_bias, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range accs {
		if a.Date.UTC().Format(time.DateOnly) != day {
			return fmt.Errorf("rollup for %s in batch for %s", a.Date.Format(time.DateOnly), day)
		}
		if _, err := stmt.Exec(day, a.Model, a.Variable, a.Bucket, a.SumAbs, a.SumSq, a.SumBias, a.Count); err != nil {
			return fmt.Errorf("insert rollup %s/%s/%s: %w", a.Model, a.Variable, a.Bucket, err)
		}
	}
	return tx.Commit()
}

// RollupFilter narrows GetRollups. Empty fields match everything.
type RollupFilter struct {
	Bucket   string
	Variable string
	Model    string
}

func (s *Store) GetRollups(f RollupFilter) ([]models.DailyStatAccumulator, error) {
	rows, err := s.db.Query(`SELECT date, model, variable, bucket, sum_abs, sum_sq, sum_bias, count
		FROM daily_rollups
		WHERE (? = '' OR bucket = ?) AND (? = '' OR variable = ?) AND (? = '' OR model = ?)
		ORDER BY date, bucket, variable, model`,
		f.Bucket, f.Bucket, f.Variable, f.Variable, f.Model, f.Model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyStatAccumulator
	for rows.Next() {
		var (
			a models.DailyStatAccumulator
			d string
		)
		if err := rows.Scan(&d, &a.Model, &a.Variable, &a.Bucket, &a.SumAbs, &a.SumSq, &a.SumBias, &a.Count); err != nil {
			return nil, err
		}
		if a.Date, err = time.Parse(time.DateOnly, d); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearRollups removes every rollup row and cached leaderboard.
func (s *Store) ClearRollups() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM daily_rollups`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM leaderboard_cache`); err != nil {
		return err
	}
	return tx.Commit()
}

// CachedLeaderboard is one stored (bucket, variable) view.
type CachedLeaderboard struct {
	Bucket     string
	Variable   string
	Rows       []models.LeaderboardRow
	ComputedAt time.Time
}

func (s *Store) PutLeaderboard(bucket, variable string, rows []models.LeaderboardRow) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode leaderboard: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO leaderboard_cache (bucket, variable, payload, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, variable) DO UPDATE SET
			payload = excluded.payload,
			computed_at = excluded.computed_at`,
		bucket, variable, string(payload), s.clock.Now().UTC().Unix())
	return err
}

// GetLeaderboard returns the cached view, or nil when none is stored.
func (s *Store) GetLeaderboard(bucket, variable string) (*CachedLeaderboard, error) {
	var (
		payload  string
		computed int64
	)
	err := s.db.QueryRow(`SELECT payload, computed_at FROM leaderboard_cache WHERE bucket = ? AND variable = ?`,
		bucket, variable).Scan(&payload, &computed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := &CachedLeaderboard{Bucket: bucket, Variable: variable, ComputedAt: fromUnix(computed)}
	if err := json.Unmarshal([]byte(payload), &c.Rows); err != nil {
		return nil, fmt.Errorf("decode leaderboard %s/%s: %w", bucket, variable, err)
	}
	return c, nil
}
