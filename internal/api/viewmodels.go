package api

import (
	"database/sql"
	"time"

	"github.com/lox/modelscore/internal/models"
	"github.com/lox/modelscore/internal/store"
	"github.com/lox/modelscore/internal/verify"
)

// ObservationView is the JSON shape of one reconciled hour. Null fields are
// omitted.
type ObservationView struct {
	ObservedAt   time.Time `json:"observed_at"`
	Temp         *float64  `json:"temperature,omitempty"`
	Dewpoint     *float64  `json:"dewpoint,omitempty"`
	WindDir      *float64  `json:"wind_direction,omitempty"`
	WindSpeed    *float64  `json:"wind_speed,omitempty"`
	WindGust     *float64  `json:"wind_gust,omitempty"`
	Visibility   *float64  `json:"visibility,omitempty"`
	Pressure     *float64  `json:"pressure,omitempty"`
	Ceiling      *float64  `json:"ceiling,omitempty"`
	Phenomena    []string  `json:"phenomena,omitempty"`
	RawText      string    `json:"raw_text,omitempty"`
	RainAmount   *float64  `json:"rain_amount,omitempty"`
	SnowAmount   *float64  `json:"snow_amount,omitempty"`
	PrecipAmount *float64  `json:"precipitation_amount,omitempty"`
}

func newObservationView(o models.Observation) ObservationView {
	v := ObservationView{
		ObservedAt:   o.ObservedAt.UTC(),
		Temp:         ptr(o.Temp),
		Dewpoint:     ptr(o.Dewpoint),
		WindDir:      ptr(o.WindDir),
		WindSpeed:    ptr(o.WindSpeed),
		WindGust:     ptr(o.WindGust),
		Visibility:   ptr(o.Visibility),
		Pressure:     ptr(o.Pressure),
		Ceiling:      ptr(o.Ceiling),
		RawText:      o.RawText,
		RainAmount:   ptr(o.RainAmount),
		SnowAmount:   ptr(o.SnowAmount),
		PrecipAmount: ptr(o.PrecipAmount),
	}
	for _, p := range o.Phenomena {
		v.Phenomena = append(v.Phenomena, string(p))
	}
	return v
}

func ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// LeaderboardResponse answers a leaderboard query. Status is "ok" or
// "insufficient_data"; the latter carries no rows.
type LeaderboardResponse struct {
	Bucket     string                  `json:"bucket"`
	Variable   string                  `json:"variable"`
	Source     string                  `json:"source"`
	Status     string                  `json:"status"`
	Seq        uint64                  `json:"seq,omitempty"`
	Cached     bool                    `json:"cached"`
	ComputedAt *time.Time              `json:"computed_at,omitempty"`
	Rows       []models.LeaderboardRow `json:"rows"`
}

// ModelStatsResponse lists one model's statistics per bucket.
type ModelStatsResponse struct {
	Model   string                    `json:"model"`
	Buckets map[string][]verify.Stats `json:"buckets"`
}

type TAFResponse struct {
	Text      string     `json:"text"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}

// IngestErrorView flattens a failed store.IngestRun for JSON.
type IngestErrorView struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	HTTPStatus int64     `json:"http_status,omitempty"`
	Dropped    int64     `json:"records_dropped,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newIngestErrorView(r store.IngestRun) IngestErrorView {
	return IngestErrorView{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		Source:     r.Source,
		Target:     r.Target,
		HTTPStatus: r.HTTPStatus.Int64,
		Dropped:    r.RecordsDropped.Int64,
		Error:      r.ErrorMessage.String,
	}
}

type DiagnosticsResponse struct {
	Since        time.Time                   `json:"since"`
	Health       []store.IngestHealthSummary `json:"health"`
	RecentErrors []IngestErrorView           `json:"recent_errors"`
}

// HealthStatus is the /health body. Status is "ok", "degraded" or "error".
type HealthStatus struct {
	Status           string     `json:"status"`
	LatestObservedAt *time.Time `json:"latest_observed_at,omitempty"`
	AgeMinutes       int        `json:"age_minutes"`
	Stale            bool       `json:"stale"`
	Errors           []string   `json:"errors,omitempty"`
}
