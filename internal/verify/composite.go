package verify

import (
	"math"
	"sort"

	"github.com/lox/modelscore/internal/models"
)

// Contributions normalises each model's MAE per variable. The denominator is
// the across-model mean MAE, floored at the variable's MinMAE. The result maps
// model to variable to contribution.
func Contributions(stats []Stats) map[string]map[string]float64 {
	type baseline struct {
		sum float64
		n   int
	}
	baselines := make(map[string]*baseline)
	for _, s := range stats {
		if s.Count == 0 || !finiteFloat(s.MAE) {
			continue
		}
		b, ok := baselines[s.Variable]
		if !ok {
			b = &baseline{}
			baselines[s.Variable] = b
		}
		b.sum += s.MAE
		b.n++
	}

	out := make(map[string]map[string]float64)
	for _, s := range stats {
		b, ok := baselines[s.Variable]
		if !ok || s.Count == 0 || !finiteFloat(s.MAE) {
			continue
		}
		denom := b.sum / float64(b.n)
		if v, ok := Lookup(s.Variable); ok {
			denom = math.Max(denom, v.MinMAE)
		}
		if denom <= 0 {
			continue
		}
		m, ok := out[s.Model]
		if !ok {
			m = make(map[string]float64)
			out[s.Model] = m
		}
		m[s.Variable] = s.MAE / denom
	}
	return out
}

// Composite ranks models in one bucket by the mean of their contributions
// over the variables they report. Missing variables are not penalised and a
// model with no contributions is left out.
func Composite(bucket string, stats []Stats) ([]models.LeaderboardRow, error) {
	counts := make(map[string]int64)
	for _, s := range stats {
		counts[s.Model] += s.Count
	}

	var rows []models.LeaderboardRow
	for model, contrib := range Contributions(stats) {
		if len(contrib) == 0 {
			continue
		}
		var sum float64
		for _, c := range contrib {
			sum += c
		}
		score := sum / float64(len(contrib))
		if !finiteFloat(score) {
			continue
		}
		rows = append(rows, models.LeaderboardRow{
			Bucket:    bucket,
			Variable:  VarComposite,
			Model:     model,
			Score:     score,
			Count:     counts[model],
			Variables: len(contrib),
		})
	}
	if len(rows) == 0 {
		return nil, ErrInsufficientData
	}
	rank(rows)
	return rows, nil
}

// RankVariable ranks models in one bucket for a single variable by MAE.
func RankVariable(bucket, variable string, stats []Stats) ([]models.LeaderboardRow, error) {
	var rows []models.LeaderboardRow
	for _, s := range stats {
		if s.Variable != variable || s.Count == 0 || !finiteFloat(s.MAE) {
			continue
		}
		rows = append(rows, models.LeaderboardRow{
			Bucket:    bucket,
			Variable:  variable,
			Model:     s.Model,
			Score:     s.MAE,
			MAE:       s.MAE,
			RMSE:      s.RMSE,
			Bias:      s.Bias,
			StdErr:    s.StdErr,
			Count:     s.Count,
			Variables: 1,
		})
	}
	if len(rows) == 0 {
		return nil, ErrInsufficientData
	}
	rank(rows)
	return rows, nil
}

// rank orders rows by ascending score, model name breaking ties, and numbers
// them from 1.
func rank(rows []models.LeaderboardRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score < rows[j].Score
		}
		return rows[i].Model < rows[j].Model
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
}

func finiteFloat(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
