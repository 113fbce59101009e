package ingest

import (
	"database/sql"

	"github.com/lox/modelscore/internal/metrics"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagDewpointOutOfRange = "dewpoint_out_of_range"
	FlagWindDirInvalid     = "wind_dir_invalid"
	FlagWindSpeedInvalid   = "wind_speed_invalid"
	FlagWindGustInvalid    = "wind_gust_invalid"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagVisibilityNegative = "visibility_negative"
	FlagCeilingNegative    = "ceiling_negative"
)

// ValidateReport nulls implausible fields in place and returns a flag for
// each one removed.
func ValidateReport(r *Report) []string {
	var flags []string
	check := func(v *sql.NullFloat64, flag string, bad func(float64) bool) {
		if v.Valid && bad(v.Float64) {
			*v = sql.NullFloat64{}
			flags = append(flags, flag)
			metrics.RecordsDropped.WithLabelValues(flag).Inc()
		}
	}

	check(&r.Temp, FlagTempOutOfRange, func(t float64) bool { return t < -60 || t > 60 })
	check(&r.Dewpoint, FlagDewpointOutOfRange, func(t float64) bool { return t < -80 || t > 40 })
	check(&r.WindDir, FlagWindDirInvalid, func(d float64) bool { return d < 0 || d > 360 })
	check(&r.WindSpeed, FlagWindSpeedInvalid, func(s float64) bool { return s < 0 || s > 400 })
	check(&r.WindGust, FlagWindGustInvalid, func(s float64) bool { return s < 0 || s > 500 })
	check(&r.Pressure, FlagPressureOutOfRange, func(p float64) bool { return p < 850 || p > 1090 })
	check(&r.Visibility, FlagVisibilityNegative, func(v float64) bool { return v < 0 })
	check(&r.Ceiling, FlagCeilingNegative, func(c float64) bool { return c < 0 })

	return flags
}
