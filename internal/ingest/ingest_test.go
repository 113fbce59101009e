package ingest

import (
	"database/sql"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lox/modelscore/internal/models"
)

func nf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

var approx = cmpopts.EquateApprox(0, 1e-6)

func TestValidateReport(t *testing.T) {
	tests := []struct {
		name      string
		report    Report
		wantFlags []string
	}{
		{
			name: "plausible report",
			report: Report{
				Temp: nf(25), Dewpoint: nf(10), WindDir: nf(360), WindSpeed: nf(0),
				Pressure: nf(1013), Visibility: nf(0), Ceiling: nf(300),
			},
		},
		{name: "temp too cold", report: Report{Temp: nf(-61)}, wantFlags: []string{FlagTempOutOfRange}},
		{name: "temp too hot", report: Report{Temp: nf(60.5)}, wantFlags: []string{FlagTempOutOfRange}},
		{name: "temp at boundary", report: Report{Temp: nf(-60)}},
		{name: "wind direction negative", report: Report{WindDir: nf(-1)}, wantFlags: []string{FlagWindDirInvalid}},
		{name: "wind direction over 360", report: Report{WindDir: nf(361)}, wantFlags: []string{FlagWindDirInvalid}},
		{name: "negative speed", report: Report{WindSpeed: nf(-3)}, wantFlags: []string{FlagWindSpeedInvalid}},
		{name: "pressure low", report: Report{Pressure: nf(849)}, wantFlags: []string{FlagPressureOutOfRange}},
		{name: "pressure high", report: Report{Pressure: nf(1091)}, wantFlags: []string{FlagPressureOutOfRange}},
		{name: "negative visibility", report: Report{Visibility: nf(-5)}, wantFlags: []string{FlagVisibilityNegative}},
		{
			name:      "several fields",
			report:    Report{Temp: nf(99), Pressure: nf(200), Visibility: nf(-1)},
			wantFlags: []string{FlagTempOutOfRange, FlagPressureOutOfRange, FlagVisibilityNegative},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.report
			flags := ValidateReport(&r)
			if diff := cmp.Diff(tt.wantFlags, flags); diff != "" {
				t.Errorf("flags (-want +got):\n%s", diff)
			}
			if again := ValidateReport(&r); len(again) != 0 {
				t.Errorf("flagged fields were not nulled: %v", again)
			}
		})
	}
}

func TestPressureHPa(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1013.2, 1013.2},
		{29.92, 29.92 * InHgToHPa},
		{800, 800 * InHgToHPa},
		{800.1, 800.1},
	}
	for _, tt := range tests {
		if got := PressureHPa(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("PressureHPa(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseMETAR(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ref  time.Time
		want Report
	}{
		{
			name: "knots with gust and inHg",
			raw:  "METAR KDEN 101153Z 18010G20KT 10SM -RA BKN050 OVC100 20/12 A2992 RMK AO2 SLP132",
			ref:  time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 3, 10, 11, 53, 0, 0, time.UTC),
				Temp:       nf(20),
				Dewpoint:   nf(12),
				WindDir:    nf(180),
				WindSpeed:  nf(10 * KnotsToKmh),
				WindGust:   nf(20 * KnotsToKmh),
				Visibility: nf(10 * StatuteMileMetres),
				Pressure:   nf(29.92 * InHgToHPa),
				Ceiling:    nf(5000 * FeetToMetres),
				Phenomena:  models.Phenomena{models.PhenomenonRain},
			},
		},
		{
			name: "metres per second and hPa",
			raw:  "METAR EGLL 100650Z AUTO 24008MPS 9999 SHSN FZRA OVC008 M02/M04 Q1002",
			ref:  time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 3, 10, 6, 50, 0, 0, time.UTC),
				Temp:       nf(-2),
				Dewpoint:   nf(-4),
				WindDir:    nf(240),
				WindSpeed:  nf(8 * MetresPerSecToKmh),
				Visibility: nf(9999),
				Pressure:   nf(1002),
				Ceiling:    nf(800 * FeetToMetres),
				Phenomena:  models.Phenomena{models.PhenomenonFreezingRain, models.PhenomenonSnow},
			},
		},
		{
			name: "CAVOK calm",
			raw:  "EGLL 101200Z 00000KT CAVOK 15/10 Q1020",
			ref:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
				Temp:       nf(15),
				Dewpoint:   nf(10),
				WindDir:    nf(0),
				WindSpeed:  nf(0),
				Visibility: nf(10000),
				Pressure:   nf(1020),
			},
		},
		{
			name: "variable wind and fractional miles",
			raw:  "SPECI KBOS 101215Z VRB03KT 1 1/2SM BR VV004 05/04 A3001",
			ref:  time.Date(2026, 3, 10, 12, 20, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC),
				Temp:       nf(5),
				Dewpoint:   nf(4),
				WindSpeed:  nf(3 * KnotsToKmh),
				Visibility: nf(1.5 * StatuteMileMetres),
				Pressure:   nf(30.01 * InHgToHPa),
				Ceiling:    nf(400 * FeetToMetres),
			},
		},
		{
			name: "day group from previous month",
			raw:  "KDEN 282350Z 36005KT 10SM CLR M10/M15 A3010",
			ref:  time.Date(2026, 3, 1, 0, 10, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 2, 28, 23, 50, 0, 0, time.UTC),
				Temp:       nf(-10),
				Dewpoint:   nf(-15),
				WindDir:    nf(360),
				WindSpeed:  nf(5 * KnotsToKmh),
				Visibility: nf(10 * StatuteMileMetres),
				Pressure:   nf(30.10 * InHgToHPa),
			},
		},
		{
			name: "trend groups ignored",
			raw:  "EGLL 101220Z 27010KT 8000 12/08 Q1015 TEMPO 3000 RA",
			ref:  time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC),
			want: Report{
				ObservedAt: time.Date(2026, 3, 10, 12, 20, 0, 0, time.UTC),
				Temp:       nf(12),
				Dewpoint:   nf(8),
				WindDir:    nf(270),
				WindSpeed:  nf(10 * KnotsToKmh),
				Visibility: nf(8000),
				Pressure:   nf(1015),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMETAR(tt.raw, tt.ref)
			if err != nil {
				t.Fatalf("ParseMETAR: %v", err)
			}
			tt.want.Raw = tt.raw
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMETARErrors(t *testing.T) {
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, raw := range []string{"", "METAR KDEN", "KDEN 1011Z 18010KT", "KDEN 109999Z 18010KT"} {
		if _, err := ParseMETAR(raw, ref); err == nil {
			t.Errorf("ParseMETAR(%q) succeeded, want error", raw)
		}
	}
}

func TestParseWeather(t *testing.T) {
	tests := []struct {
		tok    string
		want   models.Phenomena
		wantOK bool
	}{
		{"-RA", models.Phenomena{models.PhenomenonRain}, true},
		{"+TSRA", models.Phenomena{models.PhenomenonRain, models.PhenomenonThunderstorm}, true},
		{"FZDZ", models.Phenomena{models.PhenomenonFreezingRain}, true},
		{"-SHRASN", models.Phenomena{models.PhenomenonRain, models.PhenomenonSnow}, true},
		{"VCSH", nil, true},
		{"BR", nil, true},
		{"KDEN", nil, false},
		{"RAB", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.tok, func(t *testing.T) {
			got, ok := parseWeather(tt.tok)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("phenomena (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMetarJSON(t *testing.T) {
	body := `[
		{"obsTime": 1773144000, "temp": 20.0, "dewp": 12, "wdir": 180, "wspd": 10, "wgst": 20,
		 "visib": "10+", "altim": 1013.2,
		 "clouds": [{"cover": "FEW", "base": 3000}, {"cover": "BKN", "base": 5000}],
		 "wxString": "-RA BR", "rawOb": "KDEN 101200Z 18010G20KT 10SM -RA BR"},
		{"reportTime": "2026-03-10 11:00:00", "temp": null, "wdir": "VRB", "wspd": 3, "visib": 6, "altim": 29.92},
		{"temp": 5}
	]`

	got, err := ParseMetarJSON([]byte(body))
	if err != nil {
		t.Fatalf("ParseMetarJSON: %v", err)
	}
	want := []Report{
		{
			ObservedAt: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
			WindSpeed:  nf(3 * KnotsToKmh),
			Visibility: nf(6 * StatuteMileMetres),
			Pressure:   nf(29.92 * InHgToHPa),
		},
		{
			ObservedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			Temp:       nf(20),
			Dewpoint:   nf(12),
			WindDir:    nf(180),
			WindSpeed:  nf(10 * KnotsToKmh),
			WindGust:   nf(20 * KnotsToKmh),
			Visibility: nf(10 * StatuteMileMetres),
			Pressure:   nf(1013.2),
			Ceiling:    nf(5000 * FeetToMetres),
			Phenomena:  models.Phenomena{models.PhenomenonRain},
			Raw:        "KDEN 101200Z 18010G20KT 10SM -RA BR",
		},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMetarJSONInvalid(t *testing.T) {
	for _, body := range []string{"not json", `{"temp": 1}`} {
		if _, err := ParseMetarJSON([]byte(body)); !IsDataQuality(err) {
			t.Errorf("ParseMetarJSON(%q) error = %v, want data quality error", body, err)
		}
	}
}

func TestParseCycleFile(t *testing.T) {
	file := strings.Join([]string{
		"2026/03/10 11:53",
		"KDEN 101153Z 18010KT 10SM SCT050 20/12 A2992",
		"",
		"2026/03/10 11:55",
		"KBOS 101155Z 27015KT 10SM FEW040 08/01 A3001",
		"2026/03/10 11:58",
		"SPECI KDEN 101158Z 18012KT 3SM -SN OVC010 01/M01 A2990",
		"2026/03/10 11:59",
		"KDEN garbage",
	}, "\n")

	reports, size, err := parseCycleFile(strings.NewReader(file), "KDEN", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("parseCycleFile: %v", err)
	}
	if size != len(file)+1 {
		t.Errorf("size = %d, want %d", size, len(file)+1)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if !reports[0].ObservedAt.Equal(time.Date(2026, 3, 10, 11, 53, 0, 0, time.UTC)) {
		t.Errorf("first report at %v", reports[0].ObservedAt)
	}
	if !reports[1].Phenomena.Has(models.PhenomenonSnow) {
		t.Errorf("second report phenomena = %v, want SN", reports[1].Phenomena)
	}
	if !reports[1].Ceiling.Valid || math.Abs(reports[1].Ceiling.Float64-1000*FeetToMetres) > 1e-9 {
		t.Errorf("second report ceiling = %v", reports[1].Ceiling)
	}
}
