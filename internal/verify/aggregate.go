package verify

import (
	"errors"
	"math"
	"sort"

	"github.com/lox/modelscore/internal/models"
)

// OutlierCeiling is the absolute error above which a record is treated as a
// data fault rather than a forecast miss.
const OutlierCeiling = 50.0

// ErrInsufficientData means no model qualified for the requested view.
var ErrInsufficientData = errors.New("insufficient data")

// Stats summarises one model's errors for one variable.
type Stats struct {
	Model    string  `json:"model"`
	Variable string  `json:"variable"`
	MAE      float64 `json:"mae"`
	MSE      float64 `json:"mse"`
	RMSE     float64 `json:"rmse"`
	Bias     float64 `json:"bias"`
	StdErr   float64 `json:"std_err"`
	Count    int64   `json:"count"`
}

// Accept reports whether r survives outlier rejection.
func Accept(r models.VerificationRecord) bool {
	if math.IsNaN(r.AbsError) || math.IsInf(r.AbsError, 0) {
		return false
	}
	v, ok := Lookup(r.Variable)
	if !ok {
		return false
	}
	return v.OutlierExempt || r.AbsError <= OutlierCeiling
}

// StatsFromSums derives summary statistics from running sums. The standard
// error uses the sample deviation of absolute errors, zero below two samples.
func StatsFromSums(model, variable string, sumAbs, sumSq, sumBias float64, n int64) Stats {
	s := Stats{Model: model, Variable: variable, Count: n}
	if n == 0 {
		return s
	}
	fn := float64(n)
	s.MAE = sumAbs / fn
	s.MSE = sumSq / fn
	s.RMSE = math.Sqrt(s.MSE)
	s.Bias = sumBias / fn
	if n > 1 {
		variance := (sumSq - sumAbs*sumAbs/fn) / (fn - 1)
		if variance < 0 {
			variance = 0
		}
		s.StdErr = math.Sqrt(variance) / math.Sqrt(fn)
	}
	return s
}

type statKey struct {
	model    string
	variable string
}

// AggregateRecords reduces records whose lead falls in bucket. An empty
// variable matches all variables.
func AggregateRecords(records []models.VerificationRecord, set BucketSet, bucket Bucket, variable string) []Stats {
	acc := make(map[statKey]*models.DailyStatAccumulator)
	for _, r := range records {
		if variable != "" && r.Variable != variable {
			continue
		}
		if !bucket.Contains(r.LeadHours, set.Inclusivity) || !Accept(r) {
			continue
		}
		k := statKey{r.Model, r.Variable}
		a, ok := acc[k]
		if !ok {
			a = &models.DailyStatAccumulator{Model: r.Model, Variable: r.Variable, Bucket: bucket.Name}
			acc[k] = a
		}
		a.Add(r)
	}
	return finish(acc)
}

// AggregateAccumulators merges daily accumulators across days into one Stats
// per (model, variable).
func AggregateAccumulators(accs []models.DailyStatAccumulator) []Stats {
	acc := make(map[statKey]*models.DailyStatAccumulator)
	for _, a := range accs {
		k := statKey{a.Model, a.Variable}
		m, ok := acc[k]
		if !ok {
			m = &models.DailyStatAccumulator{Model: a.Model, Variable: a.Variable, Bucket: a.Bucket}
			acc[k] = m
		}
		m.Merge(a)
	}
	return finish(acc)
}

func finish(acc map[statKey]*models.DailyStatAccumulator) []Stats {
	out := make([]Stats, 0, len(acc))
	for _, a := range acc {
		if a.Count == 0 {
			continue
		}
		out = append(out, StatsFromSums(a.Model, a.Variable, a.SumAbs, a.SumSq, a.SumBias, a.Count))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Variable != out[j].Variable {
			return out[i].Variable < out[j].Variable
		}
		return out[i].Model < out[j].Model
	})
	return out
}
