package ingest

import (
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lox/modelscore/internal/models"
)

// MinSeriesLength is the number of hourly points a response must exceed to be
// accepted.
const MinSeriesLength = 24

// Drop reasons recorded when a forecast record is discarded.
const (
	DropValidBeforeIssue = "valid_before_issue"
	DropMissingPrimary   = "missing_temperature"
)

// providerNames maps canonical forecast columns to the names a provider may
// use for them, in lookup priority.
var providerNames = map[string][]string{
	"temperature":               {"temperature_2m", "temperature"},
	"dewpoint":                  {"dew_point_2m", "dewpoint_2m", "dewpoint"},
	"humidity":                  {"relative_humidity_2m", "relativehumidity_2m", "humidity"},
	"apparent_temperature":      {"apparent_temperature"},
	"precipitation":             {"precipitation"},
	"rain":                      {"rain"},
	"showers":                   {"showers"},
	"snowfall":                  {"snowfall"},
	"precipitation_probability": {"precipitation_probability"},
	"weather_code":              {"weather_code", "weathercode"},
	"pressure_msl":              {"pressure_msl"},
	"surface_pressure":          {"surface_pressure"},
	"cloud_cover":               {"cloud_cover", "cloudcover"},
	"cloud_cover_low":           {"cloud_cover_low", "cloudcover_low"},
	"visibility":                {"visibility"},
	"wind_speed":                {"wind_speed_10m", "windspeed_10m"},
	"wind_direction":            {"wind_direction_10m", "winddirection_10m"},
	"wind_gusts":                {"wind_gusts_10m", "windgusts_10m"},
	"cape":                      {"cape"},
	"freezing_level_height":     {"freezing_level_height", "freezinglevel_height"},
}

// FieldResolver finds a field's series in a provider's hourly block.
type FieldResolver struct {
	hourly gjson.Result
	keys   []string
	model  string
}

func NewFieldResolver(hourly gjson.Result, model string) *FieldResolver {
	r := &FieldResolver{hourly: hourly, model: model}
	hourly.ForEach(func(k, _ gjson.Result) bool {
		r.keys = append(r.keys, k.String())
		return true
	})
	sort.Strings(r.keys)
	return r
}

// Resolve looks each name up exactly, then with the model suffix, then as a
// prefix of any key. The first hit wins; ok is false when nothing matches.
func (r *FieldResolver) Resolve(names ...string) (series []gjson.Result, key string, ok bool) {
	for _, name := range names {
		if v := r.hourly.Get(gjson.Escape(name)); v.IsArray() {
			return v.Array(), name, true
		}
	}
	for _, name := range names {
		suffixed := name + "_" + r.model
		if v := r.hourly.Get(gjson.Escape(suffixed)); v.IsArray() {
			return v.Array(), suffixed, true
		}
	}
	for _, name := range names {
		for _, k := range r.keys {
			if strings.HasPrefix(k, name+"_") && !claimedByLongerName(k, name, names) {
				if v := r.hourly.Get(gjson.Escape(k)); v.IsArray() {
					return v.Array(), k, true
				}
			}
		}
	}
	return nil, "", false
}

var allProviderNames = func() []string {
	var out []string
	for _, names := range providerNames {
		out = append(out, names...)
	}
	return out
}()

// claimedByLongerName reports whether key belongs to a different field whose
// provider name extends name, such as precipitation_probability for
// precipitation.
func claimedByLongerName(key, name string, own []string) bool {
	for _, other := range allProviderNames {
		if slices.Contains(own, other) {
			continue
		}
		if len(other) > len(name) && strings.HasPrefix(other, name) && strings.HasPrefix(key, other) {
			return true
		}
	}
	return false
}

// NormalizeResult counts what Normalize kept and why records were dropped.
type NormalizeResult struct {
	Parsed  int
	Dropped map[string]int
}

func (n NormalizeResult) DroppedTotal() int {
	total := 0
	for _, c := range n.Dropped {
		total += c
	}
	return total
}

// Normalize converts one provider response into forecasts for model, all
// sharing the issue anchor. The response is rejected when its primary series
// is all null or too short.
func Normalize(body []byte, model string, issue time.Time) ([]models.Forecast, NormalizeResult, error) {
	res := NormalizeResult{Dropped: map[string]int{}}
	if !gjson.ValidBytes(body) {
		return nil, res, fmt.Errorf("%w: invalid JSON", ErrDataQuality)
	}
	hourly := gjson.GetBytes(body, "hourly")
	if !hourly.IsObject() {
		return nil, res, fmt.Errorf("%w: no hourly block", ErrDataQuality)
	}
	times, err := parseTimes(hourly.Get("time"))
	if err != nil {
		return nil, res, err
	}
	if len(times) <= MinSeriesLength {
		return nil, res, fmt.Errorf("%w: %d hourly points, need more than %d", ErrDataQuality, len(times), MinSeriesLength)
	}

	resolver := NewFieldResolver(hourly, model)
	series := make(map[string][]gjson.Result, len(models.ForecastFields))
	for _, f := range models.ForecastFields {
		if s, _, ok := resolver.Resolve(providerNames[f.Column]...); ok {
			series[f.Column] = s
		}
	}
	if !anyNumber(series["temperature"]) {
		return nil, res, fmt.Errorf("%w: temperature series is all null", ErrDataQuality)
	}

	issue = issue.UTC().Truncate(time.Hour)
	var out []models.Forecast
	for i, valid := range times {
		if valid.Before(issue) {
			res.Dropped[DropValidBeforeIssue]++
			continue
		}
		fc := models.Forecast{Model: model, IssueTime: issue, ValidTime: valid.Truncate(time.Hour)}
		for _, f := range models.ForecastFields {
			*f.Ref(&fc) = arrayValue(series[f.Column], i)
		}
		if !fc.Temp.Valid {
			res.Dropped[DropMissingPrimary]++
			continue
		}
		applyDerivedZero(&fc)
		out = append(out, fc)
	}
	res.Parsed = len(out)
	return out, res, nil
}

// applyDerivedZero fills null precipitation components with zero when the
// total is exactly zero.
func applyDerivedZero(fc *models.Forecast) {
	if !fc.Precipitation.Valid || fc.Precipitation.Float64 != 0 {
		return
	}
	for _, v := range []*sql.NullFloat64{&fc.Rain, &fc.Showers, &fc.Snowfall} {
		if !v.Valid {
			*v = sql.NullFloat64{Float64: 0, Valid: true}
		}
	}
}

func anyNumber(values []gjson.Result) bool {
	for _, v := range values {
		if v.Type == gjson.Number {
			return true
		}
	}
	return false
}
