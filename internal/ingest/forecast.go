package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/modelscore/internal/metrics"
	"github.com/lox/modelscore/internal/models"
)

// FetchAttempt is one endpoint and parameter combination for a model.
type FetchAttempt struct {
	Endpoint string
	Params   url.Values
}

// ModelSpec names a concrete model and the attempts tried, in order, to fetch it.
type ModelSpec struct {
	ID       string
	Attempts []FetchAttempt
}

var fullHourly = []string{
	"temperature_2m", "dew_point_2m", "relative_humidity_2m", "apparent_temperature",
	"precipitation", "rain", "showers", "snowfall", "precipitation_probability", "weather_code",
	"pressure_msl", "surface_pressure", "cloud_cover", "cloud_cover_low", "visibility",
	"wind_speed_10m", "wind_direction_10m", "wind_gusts_10m", "cape", "freezing_level_height",
}

var coreHourly = []string{
	"temperature_2m", "dew_point_2m", "precipitation", "weather_code", "pressure_msl",
	"wind_speed_10m", "wind_direction_10m", "wind_gusts_10m",
}

// DefaultAttempts builds the fallback chain for an Open-Meteo style API: the
// full variable set over seven days, then the core set over three days.
func DefaultAttempts(baseURL, model string, lat, lon float64) []FetchAttempt {
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/forecast"
	build := func(hourly []string, days int) url.Values {
		q := url.Values{}
		q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
		q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
		q.Set("models", model)
		q.Set("hourly", strings.Join(hourly, ","))
		q.Set("forecast_days", strconv.Itoa(days))
		q.Set("timeformat", "unixtime")
		q.Set("timezone", "GMT")
		q.Set("wind_speed_unit", "kmh")
		return q
	}
	return []FetchAttempt{
		{Endpoint: endpoint, Params: build(fullHourly, 7)},
		{Endpoint: endpoint, Params: build(coreHourly, 3)},
	}
}

// ForecastClient fetches and normalises one model's hourly series.
type ForecastClient struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

func NewForecastClient(fetcher *Fetcher, logger *slog.Logger) *ForecastClient {
	return &ForecastClient{fetcher: fetcher, logger: logger.With("component", "forecast")}
}

// Fetch tries each attempt in order and returns the first usable series. A
// response is usable when its temperature series has a value and more than
// MinSeriesLength points. When every attempt fails the error joins them all.
func (c *ForecastClient) Fetch(ctx context.Context, spec ModelSpec, issue time.Time) ([]models.Forecast, *FetchResult, error) {
	var (
		errs *multierror.Error
		last *FetchResult
	)
	for i, attempt := range spec.Attempts {
		if err := ctx.Err(); err != nil {
			return nil, last, err
		}
		body, result, err := c.fetcher.Get(ctx, "forecast", attempt.Endpoint+"?"+attempt.Params.Encode())
		last = result
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", i+1, err))
			continue
		}
		forecasts, norm, err := Normalize(body, spec.ID, issue)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", i+1, err))
			continue
		}
		result.RecordCount = norm.Parsed
		result.Dropped = norm.DroppedTotal()
		for reason, n := range norm.Dropped {
			metrics.RecordsDropped.WithLabelValues(reason).Add(float64(n))
		}
		if i > 0 {
			c.logger.Info("used fallback attempt", "model", spec.ID, "attempt", i+1)
		}
		return forecasts, result, nil
	}
	if errs == nil {
		return nil, last, fmt.Errorf("model %s: no fetch attempts configured", spec.ID)
	}
	return nil, last, fmt.Errorf("model %s: all fallbacks exhausted: %w", spec.ID, errs.ErrorOrNil())
}

// IsDataQuality reports whether err stems from an unusable response rather
// than a transport failure.
func IsDataQuality(err error) bool {
	return errors.Is(err, ErrDataQuality)
}
