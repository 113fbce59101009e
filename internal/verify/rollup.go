package verify

import (
	"sort"
	"time"

	"github.com/lox/modelscore/internal/models"
)

// Rollup folds records into one accumulator per (date, model, variable,
// bucket). Dates are the UTC calendar day of the valid time. Records outside
// every bucket or rejected as outliers are not counted.
func Rollup(records []models.VerificationRecord, set BucketSet) []models.DailyStatAccumulator {
	type key struct {
		date     string
		model    string
		variable string
		bucket   string
	}
	acc := make(map[key]*models.DailyStatAccumulator)
	for _, r := range records {
		b, ok := set.Classify(r.LeadHours)
		if !ok || !Accept(r) {
			continue
		}
		day := Day(r.ValidTime)
		k := key{day.Format(time.DateOnly), r.Model, r.Variable, b.Name}
		a, ok := acc[k]
		if !ok {
			a = &models.DailyStatAccumulator{Date: day, Model: r.Model, Variable: r.Variable, Bucket: b.Name}
			acc[k] = a
		}
		a.Add(r)
	}

	out := make([]models.DailyStatAccumulator, 0, len(acc))
	for _, a := range acc {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		if a.Variable != b.Variable {
			return a.Variable < b.Variable
		}
		return a.Model < b.Model
	})
	return out
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
