package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lox/modelscore/internal/verify"
)

// Config holds every runtime setting. Each field is a kong flag that can
// also be set from the environment or a .env file.
type Config struct {
	Database string `name:"db" env:"MODELSCORE_DB" default:"data/modelscore.db" help:"Path to the SQLite database."`
	Addr     string `env:"MODELSCORE_ADDR" default:":8080" help:"HTTP listen address."`

	Station   string  `env:"MODELSCORE_STATION" default:"KDEN" help:"ICAO identifier of the ground-truth station."`
	Latitude  float64 `env:"MODELSCORE_LATITUDE" default:"39.8617" help:"Station latitude."`
	Longitude float64 `env:"MODELSCORE_LONGITUDE" default:"-104.6731" help:"Station longitude."`

	Models        []string `env:"MODELSCORE_MODELS" default:"gfs_seamless,icon_seamless,ecmwf_ifs025,gem_seamless,jma_seamless" help:"Forecast models to fetch."`
	ForecastURL   string   `env:"MODELSCORE_FORECAST_URL" default:"https://api.open-meteo.com" help:"Forecast API base URL."`
	ReanalysisURL string   `env:"MODELSCORE_REANALYSIS_URL" default:"https://archive-api.open-meteo.com" help:"Reanalysis API base URL."`
	MetarURL      string   `env:"MODELSCORE_METAR_URL" default:"https://aviationweather.gov" help:"METAR and TAF API base URL."`
	MirrorHost    string   `env:"MODELSCORE_MIRROR_HOST" default:"tgftp.nws.noaa.gov:21" help:"FTP mirror for METAR cycle files; empty disables it."`
	MinReports    int      `env:"MODELSCORE_MIN_REPORTS" default:"12" help:"Reports a ground-truth source must return to be accepted."`

	LookbackHours int    `env:"MODELSCORE_LOOKBACK_HOURS" default:"48" help:"Hours of ground truth reconciled each cycle."`
	RetentionDays int    `env:"MODELSCORE_RETENTION_DAYS" default:"45" help:"Days of raw observations, forecasts and records kept."`
	Buckets       string `env:"MODELSCORE_BUCKETS" default:"0-24,24-48,48-72,72-120,120-168" help:"Lead-time buckets in hours."`
	Inclusivity   string `env:"MODELSCORE_BUCKET_INCLUSIVITY" default:"half-open" enum:"half-open,closed" help:"Bucket bounds: half-open [min,max) or closed [min,max]."`

	FetchConcurrency int           `env:"MODELSCORE_FETCH_CONCURRENCY" default:"4" help:"Models fetched per batch."`
	BatchDelay       time.Duration `env:"MODELSCORE_BATCH_DELAY" default:"2s" help:"Pause between forecast batches."`
	RateLimit        float64       `env:"MODELSCORE_RATE_LIMIT" default:"5" help:"Upstream requests per second."`
	BackfillPacing   time.Duration `env:"MODELSCORE_BACKFILL_PACING" default:"100ms" help:"Pause between days during rollup backfill."`
	Schedule         string        `env:"MODELSCORE_SCHEDULE" default:"5 * * * *" help:"Cron schedule for update cycles (UTC)."`

	KafkaBrokers []string `env:"MODELSCORE_KAFKA_BROKERS" help:"Kafka brokers for cycle events; empty disables publishing."`
	KafkaTopic   string   `env:"MODELSCORE_KAFKA_TOPIC" default:"modelscore.cycles" help:"Kafka topic for cycle events."`

	LogLevel  string `env:"MODELSCORE_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `env:"MODELSCORE_LOG_FORMAT" default:"text" enum:"text,json" help:"Log output format."`
}

// Validate is called by kong after parsing.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.BucketSet(); err != nil {
		errs = append(errs, fmt.Errorf("buckets: %w", err))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("models: at least one model is required"))
	}
	if c.Station == "" {
		errs = append(errs, errors.New("station is required"))
	}
	if c.LookbackHours < 1 {
		errs = append(errs, errors.New("lookback-hours must be positive"))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, errors.New("retention-days must be positive"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("fetch-concurrency must be positive"))
	}
	if c.MinReports < 1 {
		errs = append(errs, errors.New("min-reports must be positive"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("rate-limit must be positive"))
	}
	return errors.Join(errs...)
}

// BucketSet parses and validates the configured buckets.
func (c *Config) BucketSet() (verify.BucketSet, error) {
	return verify.ParseBuckets(c.Buckets, verify.Inclusivity(c.Inclusivity))
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
