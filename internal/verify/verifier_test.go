package verify

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lox/modelscore/internal/models"
)

func nf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

var (
	issue = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	valid = issue.Add(6 * time.Hour)
)

func byVariable(records []models.VerificationRecord) map[string]models.VerificationRecord {
	out := make(map[string]models.VerificationRecord, len(records))
	for _, r := range records {
		out[r.Variable] = r
	}
	return out
}

func TestPairScenario(t *testing.T) {
	obs := models.Observation{
		ObservedAt: valid,
		Temp:       nf(20),
		WindDir:    nf(180),
		WindSpeed:  nf(10),
	}
	fc := models.Forecast{
		Model:     "gfs",
		IssueTime: issue,
		ValidTime: valid,
		Temp:      nf(22),
		WindDir:   nf(170),
		WindSpeed: nf(12),
	}

	got := byVariable(Pair(obs, fc))

	temp, ok := got[VarTemperature]
	if !ok {
		t.Fatal("no temperature record")
	}
	if temp.Error != 2 || temp.AbsError != 2 || temp.SqError != 4 || temp.Bias != 2 {
		t.Errorf("temperature = %+v, want error 2", temp)
	}
	if temp.LeadHours != 6 {
		t.Errorf("lead = %d, want 6", temp.LeadHours)
	}

	dir := got[VarWindDirection]
	if math.Abs(dir.Error-(-10)) > 1e-9 {
		t.Errorf("wind_direction error = %v, want -10", dir.Error)
	}

	// Law of cosines: sqrt(10² + 12² − 2·10·12·cos 10°).
	want := math.Sqrt(100 + 144 - 240*math.Cos(10*math.Pi/180))
	vec := got[VarWindVector]
	if math.Abs(vec.Error-want) > 1e-9 {
		t.Errorf("wind_vector error = %v, want %v", vec.Error, want)
	}
	if vec.AbsError != vec.Error || vec.Bias != vec.Error {
		t.Errorf("wind_vector error, abs and bias differ: %+v", vec)
	}
	if math.Abs(vec.SqError-vec.AbsError*vec.AbsError) > 1e-12 {
		t.Errorf("sq_error %v != abs² %v", vec.SqError, vec.AbsError*vec.AbsError)
	}

	speed := got[VarWindSpeed]
	if !speed.PctError.Valid || math.Abs(speed.PctError.Float64-20) > 1e-9 {
		t.Errorf("wind_speed pct error = %+v, want 20", speed.PctError)
	}

	if _, ok := got[VarDewpoint]; ok {
		t.Error("dewpoint verified with null values")
	}
}

func TestPairWindDirectionWrap(t *testing.T) {
	obs := models.Observation{ObservedAt: valid, WindDir: nf(1), WindSpeed: nf(5)}
	fc := models.Forecast{Model: "m", IssueTime: issue, ValidTime: valid, WindDir: nf(359), WindSpeed: nf(5)}

	r := byVariable(Pair(obs, fc))[VarWindDirection]
	if math.Abs(r.AbsError-2) > 1e-9 {
		t.Errorf("abs error = %v, want 2", r.AbsError)
	}
}

func TestPairWindDirectionCalm(t *testing.T) {
	obs := models.Observation{ObservedAt: valid, WindDir: nf(90), WindSpeed: nf(0)}
	fc := models.Forecast{Model: "m", IssueTime: issue, ValidTime: valid, WindDir: nf(270), WindSpeed: nf(3)}

	got := byVariable(Pair(obs, fc))
	if _, ok := got[VarWindDirection]; ok {
		t.Error("direction verified against calm observation")
	}
	if r, ok := got[VarWindVector]; !ok || math.Abs(r.Error-3) > 1e-9 {
		t.Errorf("vector vs calm = %+v, want 3", r)
	}
}

func TestPairWindVectorOpposite(t *testing.T) {
	obs := models.Observation{ObservedAt: valid, WindDir: nf(180), WindSpeed: nf(10)}
	fc := models.Forecast{Model: "m", IssueTime: issue, ValidTime: valid, WindDir: nf(0), WindSpeed: nf(10)}

	r := byVariable(Pair(obs, fc))[VarWindVector]
	if math.Abs(r.Error-20) > 1e-9 {
		t.Errorf("vector error = %v, want 20", r.Error)
	}
}

func TestPairNegativeLead(t *testing.T) {
	obs := models.Observation{ObservedAt: issue, Temp: nf(10)}
	fc := models.Forecast{Model: "m", IssueTime: valid, ValidTime: issue, Temp: nf(12)}
	if got := Pair(obs, fc); len(got) != 0 {
		t.Errorf("got %d records for valid < issue", len(got))
	}
}

func TestPairBrier(t *testing.T) {
	tests := []struct {
		name      string
		prob      float64
		phenomena models.Phenomena
		want      float64
	}{
		{"dry and confident", 0, nil, 0},
		{"wet and confident", 100, models.Phenomena{models.PhenomenonRain}, 0},
		{"wet at 70 percent", 70, models.Phenomena{models.PhenomenonRain}, 0.09},
		{"dry at 70 percent", 70, nil, 0.49},
		{"thunder counts as wet", 40, models.Phenomena{models.PhenomenonThunderstorm}, 0.36},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := models.Observation{ObservedAt: valid, Phenomena: tt.phenomena, RainAmount: nf(0)}
			fc := models.Forecast{Model: "m", IssueTime: issue, ValidTime: valid, PrecipProbability: nf(tt.prob)}
			r, ok := byVariable(Pair(obs, fc))[VarPrecipProbability]
			if !ok {
				t.Fatal("no brier record")
			}
			if math.Abs(r.Error-tt.want) > 1e-9 {
				t.Errorf("brier = %v, want %v", r.Error, tt.want)
			}
		})
	}
}

func TestPairBrierIgnoresReanalysis(t *testing.T) {
	obs := models.Observation{ObservedAt: valid, RainAmount: nf(4.2)}
	fc := models.Forecast{Model: "m", IssueTime: issue, ValidTime: valid, PrecipProbability: nf(0)}
	r := byVariable(Pair(obs, fc))[VarPrecipProbability]
	if r.ObservedValue != 0 || r.Error != 0 {
		t.Errorf("reanalysis amount changed outcome: %+v", r)
	}
}

func TestPairOccurrence(t *testing.T) {
	tests := []struct {
		name      string
		fc        models.Forecast
		phenomena models.Phenomena
		variable  string
		want      float64
		bias      float64
	}{
		{"rain code hit", models.Forecast{WeatherCode: nf(61)}, models.Phenomena{models.PhenomenonRain}, VarRainOccurrence, 0, 0},
		{"rain code miss", models.Forecast{WeatherCode: nf(61)}, nil, VarRainOccurrence, 1, 1},
		{"rain by amount", models.Forecast{WeatherCode: nf(3), Rain: nf(0.5)}, models.Phenomena{models.PhenomenonRain}, VarRainOccurrence, 0, 0},
		{"rain below threshold", models.Forecast{Rain: nf(0.1)}, models.Phenomena{models.PhenomenonRain}, VarRainOccurrence, 1, -1},
		{"freezing code is not rain", models.Forecast{WeatherCode: nf(66)}, nil, VarRainOccurrence, 0, 0},
		{"freezing code hit", models.Forecast{WeatherCode: nf(66)}, models.Phenomena{models.PhenomenonFreezingRain}, VarFreezingOccurrence, 0, 0},
		{"snow shower code", models.Forecast{WeatherCode: nf(85)}, models.Phenomena{models.PhenomenonSnow}, VarSnowOccurrence, 0, 0},
		{"snow missed", models.Forecast{WeatherCode: nf(0)}, models.Phenomena{models.PhenomenonSnow}, VarSnowOccurrence, 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := tt.fc
			fc.Model, fc.IssueTime, fc.ValidTime = "m", issue, valid
			obs := models.Observation{ObservedAt: valid, Phenomena: tt.phenomena}
			r, ok := byVariable(Pair(obs, fc))[tt.variable]
			if !ok {
				t.Fatalf("no %s record", tt.variable)
			}
			if r.Error != tt.want || r.Bias != tt.bias {
				t.Errorf("error=%v bias=%v, want %v %v", r.Error, r.Bias, tt.want, tt.bias)
			}
		})
	}
}

func TestPairAmounts(t *testing.T) {
	fc := models.Forecast{
		Model: "m", IssueTime: issue, ValidTime: valid,
		WeatherCode: nf(63), Precipitation: nf(2), Rain: nf(1.5), Showers: nf(0.5), Snowfall: nf(0),
	}

	t.Run("rain present uses reanalysis", func(t *testing.T) {
		obs := models.Observation{ObservedAt: valid, Phenomena: models.Phenomena{models.PhenomenonRain}, RainAmount: nf(3)}
		got := byVariable(Pair(obs, fc))
		if r := got[VarRainAmount]; r.ForecastValue != 2 || r.ObservedValue != 3 || r.Error != -1 {
			t.Errorf("rain_amount = %+v", r)
		}
		if r := got[VarSnowAmount]; r.ObservedValue != 0 || r.Error != 0 {
			t.Errorf("snow_amount = %+v", r)
		}
		if r := got[VarFreezingAmount]; r.ForecastValue != 0 || r.ObservedValue != 0 {
			t.Errorf("freezing_rain_amount = %+v", r)
		}
	})

	t.Run("dry station zeroes reanalysis", func(t *testing.T) {
		obs := models.Observation{ObservedAt: valid, RainAmount: nf(3)}
		r := byVariable(Pair(obs, fc))[VarRainAmount]
		if r.ObservedValue != 0 || r.Error != 2 {
			t.Errorf("rain_amount = %+v", r)
		}
	})

	t.Run("mixed phenomena skipped", func(t *testing.T) {
		obs := models.Observation{
			ObservedAt: valid,
			Phenomena:  models.Phenomena{models.PhenomenonRain, models.PhenomenonSnow},
			RainAmount: nf(1), SnowAmount: nf(1),
		}
		got := byVariable(Pair(obs, fc))
		for _, v := range []string{VarRainAmount, VarSnowAmount, VarFreezingAmount} {
			if _, ok := got[v]; ok {
				t.Errorf("%s verified for mixed hour", v)
			}
		}
		if _, ok := got[VarRainOccurrence]; !ok {
			t.Error("occurrence should still be verified for mixed hour")
		}
	})

	t.Run("present without reanalysis skipped", func(t *testing.T) {
		obs := models.Observation{ObservedAt: valid, Phenomena: models.Phenomena{models.PhenomenonRain}}
		if _, ok := byVariable(Pair(obs, fc))[VarRainAmount]; ok {
			t.Error("rain_amount verified with null reanalysis")
		}
	})
}

func TestVerifyIdempotent(t *testing.T) {
	obs := []models.Observation{
		{ObservedAt: valid, Temp: nf(20), WindDir: nf(200), WindSpeed: nf(8)},
		{ObservedAt: valid.Add(time.Hour), Temp: nf(21)},
	}
	fcs := []models.Forecast{
		{Model: "a", IssueTime: issue, ValidTime: valid, Temp: nf(19), WindDir: nf(210), WindSpeed: nf(9)},
		{Model: "b", IssueTime: issue, ValidTime: valid.Add(time.Hour), Temp: nf(23)},
		{Model: "c", IssueTime: issue, ValidTime: valid.Add(2 * time.Hour), Temp: nf(23)},
	}

	first := Verify(obs, fcs)
	second := Verify(obs, fcs)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second run differs (-first +second):\n%s", diff)
	}
	for _, r := range first {
		if r.Model == "c" {
			t.Error("forecast without observation was verified")
		}
	}
}
