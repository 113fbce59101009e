package models

import (
	"database/sql"
	"sort"
	"strings"
	"time"
)

// Synthetic model ids. These are derived from the concrete models and never fetched.
const (
	ModelAverage = "average-of-models"
	ModelMedian  = "median-of-models"
)

// IsSynthetic reports whether model is one of the derived consensus models.
func IsSynthetic(model string) bool {
	return model == ModelAverage || model == ModelMedian
}

type Phenomenon string

const (
	PhenomenonRain         Phenomenon = "RA"
	PhenomenonSnow         Phenomenon = "SN"
	PhenomenonFreezingRain Phenomenon = "FZRA"
	PhenomenonThunderstorm Phenomenon = "TS"
)

// Phenomena is a set of station weather codes, kept sorted and deduplicated.
type Phenomena []Phenomenon

// Union returns the sorted set union of p and other.
func (p Phenomena) Union(other Phenomena) Phenomena {
	seen := make(map[Phenomenon]bool, len(p)+len(other))
	var out Phenomena
	for _, list := range []Phenomena{p, other} {
		for _, ph := range list {
			if seen[ph] {
				continue
			}
			seen[ph] = true
			out = append(out, ph)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p Phenomena) Has(ph Phenomenon) bool {
	for _, x := range p {
		if x == ph {
			return true
		}
	}
	return false
}

// String encodes the set as a comma separated list; the empty set encodes as "".
func (p Phenomena) String() string {
	parts := make([]string, len(p))
	for i, ph := range p {
		parts[i] = string(ph)
	}
	return strings.Join(parts, ",")
}

// ParsePhenomena is the inverse of Phenomena.String. An empty string yields a nil set.
func ParsePhenomena(s string) Phenomena {
	if s == "" {
		return nil
	}
	var out Phenomena
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, Phenomenon(part))
		}
	}
	return out.Union(nil)
}

// Observation is the reconciled ground truth for one UTC hour.
type Observation struct {
	ObservedAt time.Time // hour aligned, UTC
	Temp       sql.NullFloat64
	Dewpoint   sql.NullFloat64
	WindDir    sql.NullFloat64
	WindSpeed  sql.NullFloat64 // km/h
	WindGust   sql.NullFloat64 // km/h
	Visibility sql.NullFloat64 // metres
	Pressure   sql.NullFloat64 // hPa
	Ceiling    sql.NullFloat64 // metres
	Phenomena  Phenomena
	RawText    string

	// Reanalysis amounts, used only to supplement station reports.
	RainAmount   sql.NullFloat64 // mm
	SnowAmount   sql.NullFloat64 // cm
	PrecipAmount sql.NullFloat64 // mm
}

// Forecast is one model's prediction for one valid hour, issued at IssueTime.
type Forecast struct {
	Model     string
	IssueTime time.Time
	ValidTime time.Time

	Temp              sql.NullFloat64
	Dewpoint          sql.NullFloat64
	Humidity          sql.NullFloat64
	ApparentTemp      sql.NullFloat64
	Precipitation     sql.NullFloat64
	Rain              sql.NullFloat64
	Showers           sql.NullFloat64
	Snowfall          sql.NullFloat64
	PrecipProbability sql.NullFloat64
	WeatherCode       sql.NullFloat64
	PressureMSL       sql.NullFloat64
	SurfacePressure   sql.NullFloat64
	CloudCover        sql.NullFloat64
	CloudCoverLow     sql.NullFloat64
	Visibility        sql.NullFloat64
	WindSpeed         sql.NullFloat64
	WindDir           sql.NullFloat64
	WindGust          sql.NullFloat64
	CAPE              sql.NullFloat64
	FreezingLevel     sql.NullFloat64
}

// LeadHours is the whole number of hours between issue and valid time.
func (f Forecast) LeadHours() int {
	return int(f.ValidTime.Sub(f.IssueTime) / time.Hour)
}

// FieldKind says how a forecast field combines across models.
type FieldKind int

const (
	FieldScalar FieldKind = iota
	FieldAngle
	FieldCategory
)

// ForecastField names one nullable forecast column and how to reach it.
type ForecastField struct {
	Column string
	Kind   FieldKind
	Ref    func(*Forecast) *sql.NullFloat64
}

// ForecastFields lists every nullable field of Forecast in storage order.
var ForecastFields = []ForecastField{
	{"temperature", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Temp }},
	{"dewpoint", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Dewpoint }},
	{"humidity", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Humidity }},
	{"apparent_temperature", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.ApparentTemp }},
	{"precipitation", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Precipitation }},
	{"rain", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Rain }},
	{"showers", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Showers }},
	{"snowfall", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Snowfall }},
	{"precipitation_probability", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.PrecipProbability }},
	{"weather_code", FieldCategory, func(f *Forecast) *sql.NullFloat64 { return &f.WeatherCode }},
	{"pressure_msl", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.PressureMSL }},
	{"surface_pressure", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.SurfacePressure }},
	{"cloud_cover", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.CloudCover }},
	{"cloud_cover_low", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.CloudCoverLow }},
	{"visibility", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.Visibility }},
	{"wind_speed", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.WindSpeed }},
	{"wind_direction", FieldAngle, func(f *Forecast) *sql.NullFloat64 { return &f.WindDir }},
	{"wind_gusts", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.WindGust }},
	{"cape", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.CAPE }},
	{"freezing_level_height", FieldScalar, func(f *Forecast) *sql.NullFloat64 { return &f.FreezingLevel }},
}

// VerificationRecord is one forecast/observation comparison for one variable.
// Invariant: SqError == AbsError * AbsError.
type VerificationRecord struct {
	Model         string
	Variable      string
	ValidTime     time.Time
	LeadHours     int
	ForecastValue float64
	ObservedValue float64
	Error         float64
	AbsError      float64
	SqError       float64
	PctError      sql.NullFloat64
	Bias          float64
}

// DailyStatAccumulator holds running sums for one (date, model, variable, bucket).
// Accumulators form a monoid under Merge with the zero value as identity.
type DailyStatAccumulator struct {
	Date     time.Time
	Model    string
	Variable string
	Bucket   string
	SumAbs   float64
	SumSq    float64
	SumBias  float64
	Count    int64
}

// Add folds one verification record into the accumulator.
func (a *DailyStatAccumulator) Add(r VerificationRecord) {
	a.SumAbs += r.AbsError
	a.SumSq += r.SqError
	a.SumBias += r.Bias
	a.Count++
}

// Merge folds other into a. Keys are not compared.
func (a *DailyStatAccumulator) Merge(other DailyStatAccumulator) {
	a.SumAbs += other.SumAbs
	a.SumSq += other.SumSq
	a.SumBias += other.SumBias
	a.Count += other.Count
}

// LeaderboardRow is one ranked model within a (bucket, variable) view.
// Variable is the catalogue name, or "composite" for the overall ranking.
type LeaderboardRow struct {
	Bucket    string  `json:"bucket"`
	Variable  string  `json:"variable"`
	Model     string  `json:"model"`
	Rank      int     `json:"rank"`
	Score     float64 `json:"score"`
	MAE       float64 `json:"mae,omitempty"`
	RMSE      float64 `json:"rmse,omitempty"`
	Bias      float64 `json:"bias,omitempty"`
	StdErr    float64 `json:"std_err,omitempty"`
	Count     int64   `json:"count"`
	Variables int     `json:"variables,omitempty"`
}
