package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are forward-only and additive. Never edit an applied entry;
// append a new version instead.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS observations (
    observed_at INTEGER PRIMARY KEY,
    temp REAL,
    dewpoint REAL,
    wind_dir REAL,
    wind_speed REAL,
    wind_gust REAL,
    visibility REAL,
    pressure REAL,
    ceiling REAL,
    phenomena TEXT NOT NULL DEFAULT '',
    raw_text TEXT NOT NULL DEFAULT '',
    rain_amount REAL,
    snow_amount REAL,
    precip_amount REAL
);

CREATE TABLE IF NOT EXISTS forecasts (
    model TEXT NOT NULL,
    issue_time INTEGER NOT NULL,
    valid_time INTEGER NOT NULL,
    temperature REAL,
    dewpoint REAL,
    humidity REAL,
    apparent_temperature REAL,
    precipitation REAL,
    rain REAL,
    showers REAL,
    snowfall REAL,
    precipitation_probability REAL,
    weather_code REAL,
    pressure_msl REAL,
    surface_pressure REAL,
    cloud_cover REAL,
    cloud_cover_low REAL,
    visibility REAL,
    wind_speed REAL,
    wind_direction REAL,
    wind_gusts REAL,
    cape REAL,
    freezing_level_height REAL,
    PRIMARY KEY (model, issue_time, valid_time),
    CHECK (valid_time >= issue_time)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_valid ON forecasts(valid_time);

CREATE TABLE IF NOT EXISTS verification_records (
    model TEXT NOT NULL,
    variable TEXT NOT NULL,
    valid_time INTEGER NOT NULL,
    lead_hours INTEGER NOT NULL,
    forecast_value REAL NOT NULL,
    observed_value REAL NOT NULL,
    error REAL NOT NULL,
    abs_error REAL NOT NULL,
    sq_error REAL NOT NULL,
    bias REAL NOT NULL,
    PRIMARY KEY (model, variable, valid_time, lead_hours),
    CHECK (lead_hours >= 0)
);

CREATE INDEX IF NOT EXISTS idx_verification_valid ON verification_records(valid_time);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Ingest run audit log",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    http_status INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    records_dropped INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Daily rollups and leaderboard cache",
		SQL: `
CREATE TABLE IF NOT EXISTS daily_rollups (
    date TEXT NOT NULL,
    model TEXT NOT NULL,
    variable TEXT NOT NULL,
    bucket TEXT NOT NULL,
    sum_abs REAL NOT NULL,
    sum_sq REAL NOT NULL,
    sum_bias REAL NOT NULL,
    count INTEGER NOT NULL,
    PRIMARY KEY (date, model, variable, bucket)
);

CREATE INDEX IF NOT EXISTS idx_daily_rollups_bucket ON daily_rollups(bucket, variable);

CREATE TABLE IF NOT EXISTS leaderboard_cache (
    bucket TEXT NOT NULL,
    variable TEXT NOT NULL,
    payload TEXT NOT NULL,
    computed_at INTEGER NOT NULL,
    PRIMARY KEY (bucket, variable)
);
`,
	},
	{
		Version:     4,
		Description: "Percentage error on verification records",
		SQL: `
ALTER TABLE verification_records ADD COLUMN pct_error REAL;
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		slog.Info("migrations: applying", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.clock.Now().UTC().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at INTEGER
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
