package verify

import (
	"database/sql"
	"math"
	"time"

	"github.com/lox/modelscore/internal/circular"
	"github.com/lox/modelscore/internal/models"
)

// OccurrenceThreshold is the forecast amount above which a phenomenon is
// predicted regardless of weather code.
const OccurrenceThreshold = 0.1

// WMO weather interpretation codes.
func isFreezingCode(code int) bool {
	return code == 56 || code == 57 || code == 66 || code == 67
}

func isRainCode(code int) bool {
	if isFreezingCode(code) {
		return false
	}
	return (code >= 51 && code <= 67) || (code >= 80 && code <= 82)
}

func isSnowCode(code int) bool {
	return (code >= 71 && code <= 77) || code == 85 || code == 86
}

// Verify pairs every forecast with the observation for its valid time and
// returns the resulting records. Forecasts without an observation are skipped.
func Verify(obs []models.Observation, forecasts []models.Forecast) []models.VerificationRecord {
	byHour := make(map[int64]*models.Observation, len(obs))
	for i := range obs {
		byHour[obs[i].ObservedAt.Unix()] = &obs[i]
	}
	var records []models.VerificationRecord
	for i := range forecasts {
		o, ok := byHour[forecasts[i].ValidTime.Unix()]
		if !ok {
			continue
		}
		records = append(records, Pair(*o, forecasts[i])...)
	}
	return records
}

// Pair compares one forecast against one observation for every catalogue
// variable both sides can answer.
func Pair(obs models.Observation, fc models.Forecast) []models.VerificationRecord {
	lead := fc.LeadHours()
	if lead < 0 || !obs.ObservedAt.Equal(fc.ValidTime) {
		return nil
	}

	p := pairer{model: fc.Model, valid: fc.ValidTime.UTC(), lead: lead}

	p.scalar(VarTemperature, fc.Temp, obs.Temp)
	p.scalar(VarDewpoint, fc.Dewpoint, obs.Dewpoint)
	p.scalar(VarWindSpeed, fc.WindSpeed, obs.WindSpeed)
	p.scalar(VarWindGust, fc.WindGust, obs.WindGust)
	p.scalar(VarPressure, fc.PressureMSL, obs.Pressure)
	p.scalar(VarVisibility, fc.Visibility, obs.Visibility)

	p.direction(fc, obs)
	p.vector(fc, obs)
	p.brier(fc, obs)

	rainPred, rainOK := rainPredicted(fc)
	snowPred, snowOK := snowPredicted(fc)
	fzPred, fzOK := freezingPredicted(fc)
	if rainOK {
		p.occurrence(VarRainOccurrence, rainPred, obs.Phenomena.Has(models.PhenomenonRain))
	}
	if snowOK {
		p.occurrence(VarSnowOccurrence, snowPred, obs.Phenomena.Has(models.PhenomenonSnow))
	}
	if fzOK {
		p.occurrence(VarFreezingOccurrence, fzPred, obs.Phenomena.Has(models.PhenomenonFreezingRain))
	}

	if !mixedPhenomena(obs.Phenomena) {
		p.amount(VarRainAmount, rainAmount(fc), obs.RainAmount, obs.Phenomena.Has(models.PhenomenonRain))
		p.amount(VarSnowAmount, fc.Snowfall, obs.SnowAmount, obs.Phenomena.Has(models.PhenomenonSnow))
		p.amount(VarFreezingAmount, freezingAmount(fc), obs.PrecipAmount, obs.Phenomena.Has(models.PhenomenonFreezingRain))
	}

	return p.records
}

type pairer struct {
	model   string
	valid   time.Time
	lead    int
	records []models.VerificationRecord
}

func (p *pairer) add(variable string, forecast, observed, errVal, abs, bias float64) {
	r := models.VerificationRecord{
		Model:         p.model,
		Variable:      variable,
		ValidTime:     p.valid,
		LeadHours:     p.lead,
		ForecastValue: forecast,
		ObservedValue: observed,
		Error:         errVal,
		AbsError:      abs,
		SqError:       abs * abs,
		Bias:          bias,
	}
	if v, ok := Lookup(variable); ok && v.Percent && observed != 0 {
		r.PctError = sql.NullFloat64{Float64: abs / math.Abs(observed) * 100, Valid: true}
	}
	p.records = append(p.records, r)
}

func finite(v sql.NullFloat64) bool {
	return v.Valid && !math.IsNaN(v.Float64) && !math.IsInf(v.Float64, 0)
}

func (p *pairer) scalar(variable string, fc, obs sql.NullFloat64) {
	if !finite(fc) || !finite(obs) {
		return
	}
	e := fc.Float64 - obs.Float64
	p.add(variable, fc.Float64, obs.Float64, e, math.Abs(e), e)
}

// direction is undefined for a calm observation.
func (p *pairer) direction(fc models.Forecast, obs models.Observation) {
	if !finite(fc.WindDir) || !finite(obs.WindDir) || !finite(obs.WindSpeed) || obs.WindSpeed.Float64 == 0 {
		return
	}
	e := circular.Diff(fc.WindDir.Float64, obs.WindDir.Float64)
	p.add(VarWindDirection, circular.Normalize(fc.WindDir.Float64), circular.Normalize(obs.WindDir.Float64), e, math.Abs(e), e)
}

func windVector(speed, dir sql.NullFloat64) (u, v float64, ok bool) {
	if !finite(speed) {
		return 0, 0, false
	}
	if speed.Float64 == 0 {
		return 0, 0, true
	}
	if !finite(dir) {
		return 0, 0, false
	}
	u, v = circular.WindComponents(speed.Float64, dir.Float64)
	return u, v, true
}

func (p *pairer) vector(fc models.Forecast, obs models.Observation) {
	fu, fv, ok := windVector(fc.WindSpeed, fc.WindDir)
	if !ok {
		return
	}
	ou, ov, ok := windVector(obs.WindSpeed, obs.WindDir)
	if !ok {
		return
	}
	d := math.Hypot(fu-ou, fv-ov)
	p.add(VarWindVector, fc.WindSpeed.Float64, obs.WindSpeed.Float64, d, d, d)
}

// brier scores the probability forecast against station-reported weather.
// Reanalysis amounts never decide the outcome.
func (p *pairer) brier(fc models.Forecast, obs models.Observation) {
	if !finite(fc.PrecipProbability) {
		return
	}
	prob := math.Min(math.Max(fc.PrecipProbability.Float64/100, 0), 1)
	outcome := 0.0
	if len(obs.Phenomena) > 0 {
		outcome = 1
	}
	diff := prob - outcome
	score := diff * diff
	p.add(VarPrecipProbability, prob, outcome, score, score, diff)
}

func (p *pairer) occurrence(variable string, predicted, observed bool) {
	pf, of := boolFloat(predicted), boolFloat(observed)
	diff := pf - of
	e := diff * diff
	p.add(variable, pf, of, e, e, diff)
}

func (p *pairer) amount(variable string, fc, obsAmount sql.NullFloat64, present bool) {
	if !finite(fc) {
		return
	}
	observed := sql.NullFloat64{Float64: 0, Valid: true}
	if present {
		observed = obsAmount
	}
	p.scalar(variable, fc, observed)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func mixedPhenomena(ph models.Phenomena) bool {
	n := 0
	for _, x := range []models.Phenomenon{models.PhenomenonRain, models.PhenomenonSnow, models.PhenomenonFreezingRain} {
		if ph.Has(x) {
			n++
		}
	}
	return n > 1
}

func weatherCode(fc models.Forecast) (int, bool) {
	if !finite(fc.WeatherCode) {
		return 0, false
	}
	return int(math.Round(fc.WeatherCode.Float64)), true
}

// rainAmount sums rain and showers; a null part counts as zero when the other is known.
func rainAmount(fc models.Forecast) sql.NullFloat64 {
	if !finite(fc.Rain) && !finite(fc.Showers) {
		return sql.NullFloat64{}
	}
	total := 0.0
	if finite(fc.Rain) {
		total += fc.Rain.Float64
	}
	if finite(fc.Showers) {
		total += fc.Showers.Float64
	}
	return sql.NullFloat64{Float64: total, Valid: true}
}

func freezingAmount(fc models.Forecast) sql.NullFloat64 {
	code, ok := weatherCode(fc)
	if !ok || !finite(fc.Precipitation) {
		return sql.NullFloat64{}
	}
	if isFreezingCode(code) {
		return fc.Precipitation
	}
	return sql.NullFloat64{Float64: 0, Valid: true}
}

func rainPredicted(fc models.Forecast) (bool, bool) {
	code, hasCode := weatherCode(fc)
	amt := rainAmount(fc)
	if !hasCode && !amt.Valid {
		return false, false
	}
	return (hasCode && isRainCode(code)) || (amt.Valid && amt.Float64 > OccurrenceThreshold), true
}

func snowPredicted(fc models.Forecast) (bool, bool) {
	code, hasCode := weatherCode(fc)
	hasAmt := finite(fc.Snowfall)
	if !hasCode && !hasAmt {
		return false, false
	}
	return (hasCode && isSnowCode(code)) || (hasAmt && fc.Snowfall.Float64 > OccurrenceThreshold), true
}

func freezingPredicted(fc models.Forecast) (bool, bool) {
	code, hasCode := weatherCode(fc)
	if !hasCode {
		return false, false
	}
	return isFreezingCode(code), true
}
