package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lox/modelscore/internal/circular"
	"github.com/lox/modelscore/internal/models"
)

// MinContributors is the number of concrete models a field needs before a
// consensus value is produced for it.
const MinContributors = 2

// Synthesize builds the average and median forecasts for one cell. All
// forecasts in cell must share issue and valid time; synthetic inputs are
// ignored. ok is false when no field had enough contributors.
func Synthesize(cell []models.Forecast) (avg, med models.Forecast, ok bool) {
	var concrete []models.Forecast
	for _, f := range cell {
		if !models.IsSynthetic(f.Model) {
			concrete = append(concrete, f)
		}
	}
	if len(concrete) < MinContributors {
		return avg, med, false
	}

	issue, valid := concrete[0].IssueTime, concrete[0].ValidTime
	avg = models.Forecast{Model: models.ModelAverage, IssueTime: issue, ValidTime: valid}
	med = models.Forecast{Model: models.ModelMedian, IssueTime: issue, ValidTime: valid}

	for _, field := range models.ForecastFields {
		var values []float64
		for i := range concrete {
			if v := field.Ref(&concrete[i]); v.Valid {
				values = append(values, v.Float64)
			}
		}
		if len(values) < MinContributors {
			continue
		}

		var a, m sql.NullFloat64
		switch field.Kind {
		case models.FieldAngle:
			if v, defined := circular.Mean(values); defined {
				a = sql.NullFloat64{Float64: v, Valid: true}
			}
			if v, defined := circular.Median(values); defined {
				m = sql.NullFloat64{Float64: v, Valid: true}
			}
		case models.FieldCategory:
			a = sql.NullFloat64{Float64: mode(values), Valid: true}
			m = sql.NullFloat64{Float64: lowerMedian(values), Valid: true}
		default:
			a = sql.NullFloat64{Float64: mean(values), Valid: true}
			m = sql.NullFloat64{Float64: median(values), Valid: true}
		}
		*field.Ref(&avg) = a
		*field.Ref(&med) = m
		ok = ok || a.Valid || m.Valid
	}
	return avg, med, ok
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	s := sortedCopy(values)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// lowerMedian picks an actual member so categorical codes stay valid.
func lowerMedian(values []float64) float64 {
	s := sortedCopy(values)
	return s[(len(s)-1)/2]
}

// mode returns the most frequent value, the smallest on ties.
func mode(values []float64) float64 {
	counts := make(map[float64]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best, bestN := 0.0, 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best
}

func sortedCopy(values []float64) []float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	return s
}

// SynthesizeAll groups forecasts into (issue, valid) cells and synthesises
// each one. Output is ordered by valid time, then issue time, average first.
func SynthesizeAll(forecasts []models.Forecast) []models.Forecast {
	type cellKey struct{ issue, valid int64 }
	cells := make(map[cellKey][]models.Forecast)
	var keys []cellKey
	for _, f := range forecasts {
		k := cellKey{f.IssueTime.Unix(), f.ValidTime.Unix()}
		if _, seen := cells[k]; !seen {
			keys = append(keys, k)
		}
		cells[k] = append(cells[k], f)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].valid != keys[j].valid {
			return keys[i].valid < keys[j].valid
		}
		return keys[i].issue < keys[j].issue
	})

	var out []models.Forecast
	for _, k := range keys {
		if avg, med, ok := Synthesize(cells[k]); ok {
			out = append(out, avg, med)
		}
	}
	return out
}

// ForecastStore is the persistence the ensemble generator needs.
type ForecastStore interface {
	GetForecastsValidBetween(start, end time.Time) ([]models.Forecast, error)
	UpsertForecasts(forecasts []models.Forecast) (int, error)
}

// Generator writes synthetic forecasts chunk by chunk so that a long history
// never has to be held in memory at once.
type Generator struct {
	store  ForecastStore
	chunk  time.Duration
	logger *slog.Logger
}

func NewGenerator(store ForecastStore, chunk time.Duration, logger *slog.Logger) *Generator {
	if chunk <= 0 {
		chunk = 24 * time.Hour
	}
	return &Generator{store: store, chunk: chunk, logger: logger.With("component", "ensemble")}
}

// Run synthesises every cell with a valid time in [start, end). Each chunk is
// read and committed independently; an error stops at the failing chunk and
// leaves earlier chunks in place.
func (g *Generator) Run(ctx context.Context, start, end time.Time) (int, error) {
	total := 0
	for from := start; from.Before(end); from = from.Add(g.chunk) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := from.Add(g.chunk)
		if to.After(end) {
			to = end
		}

		forecasts, err := g.store.GetForecastsValidBetween(from, to)
		if err != nil {
			return total, fmt.Errorf("load forecasts %s: %w", from.Format(time.RFC3339), err)
		}
		synthetic := SynthesizeAll(forecasts)
		if len(synthetic) == 0 {
			continue
		}
		n, err := g.store.UpsertForecasts(synthetic)
		if err != nil {
			return total, fmt.Errorf("store synthetic forecasts %s: %w", from.Format(time.RFC3339), err)
		}
		total += n
	}
	g.logger.Debug("synthesised consensus forecasts", "start", start, "end", end, "records", total)
	return total, nil
}
