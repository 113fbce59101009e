package verify

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/lox/modelscore/internal/models"
)

func rec(model, variable string, lead int, abs float64) models.VerificationRecord {
	return models.VerificationRecord{
		Model:     model,
		Variable:  variable,
		ValidTime: time.Date(2026, 3, 1, lead%24, 0, 0, 0, time.UTC),
		LeadHours: lead,
		Error:     abs,
		AbsError:  abs,
		SqError:   abs * abs,
		Bias:      abs,
	}
}

func TestStatsFromSums(t *testing.T) {
	// abs errors 1, 2, 3
	s := StatsFromSums("m", VarTemperature, 6, 14, 6, 3)
	if s.MAE != 2 {
		t.Errorf("MAE = %v", s.MAE)
	}
	if math.Abs(s.MSE-14.0/3) > 1e-12 || math.Abs(s.RMSE-math.Sqrt(14.0/3)) > 1e-12 {
		t.Errorf("MSE/RMSE = %v/%v", s.MSE, s.RMSE)
	}
	// sample sd of {1,2,3} is 1
	if math.Abs(s.StdErr-1/math.Sqrt(3)) > 1e-12 {
		t.Errorf("StdErr = %v, want %v", s.StdErr, 1/math.Sqrt(3))
	}

	if one := StatsFromSums("m", VarTemperature, 2, 4, 2, 1); one.StdErr != 0 || one.MAE != 2 {
		t.Errorf("single sample = %+v", one)
	}
	if zero := StatsFromSums("m", VarTemperature, 0, 0, 0, 0); zero.MAE != 0 || math.IsNaN(zero.RMSE) {
		t.Errorf("empty = %+v", zero)
	}
}

func TestAggregateRecordsOutliers(t *testing.T) {
	set, _ := ParseBuckets("0-24,24-48", HalfOpen)
	records := []models.VerificationRecord{
		rec("a", VarTemperature, 1, 1),
		rec("a", VarTemperature, 2, 3),
		rec("a", VarTemperature, 3, 80),  // outlier
		rec("a", VarVisibility, 3, 4000), // exempt
		rec("a", VarTemperature, 30, 9),  // other bucket
		rec("b", VarTemperature, 5, 2),
	}

	got := AggregateRecords(records, set, set.Buckets[0], "")
	want := []Stats{
		StatsFromSums("a", VarTemperature, 4, 10, 4, 2),
		StatsFromSums("b", VarTemperature, 2, 4, 2, 1),
		StatsFromSums("a", VarVisibility, 4000, 16e6, 4000, 1),
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("AggregateRecords (-want +got):\n%s", diff)
	}

	only := AggregateRecords(records, set, set.Buckets[0], VarVisibility)
	if len(only) != 1 || only[0].Variable != VarVisibility {
		t.Errorf("variable filter = %+v", only)
	}
}

func TestRollupMatchesLiveAggregation(t *testing.T) {
	set, _ := ParseBuckets("0-24,24-48", HalfOpen)
	var records []models.VerificationRecord
	for day := 0; day < 3; day++ {
		for h := 0; h < 24; h += 6 {
			r := rec("a", VarTemperature, h, float64(h+day)/4)
			r.ValidTime = time.Date(2026, 3, 1+day, h, 0, 0, 0, time.UTC)
			records = append(records, r)
		}
	}
	records = append(records, rec("a", VarTemperature, 100, 1)) // outside every bucket

	accs := Rollup(records, set)
	if len(accs) != 3 {
		t.Fatalf("got %d accumulators, want 3 (one per day)", len(accs))
	}
	for i, a := range accs {
		if a.Bucket != "0-24" || a.Count != 4 {
			t.Errorf("acc %d = %+v", i, a)
		}
		if i > 0 && !accs[i-1].Date.Before(a.Date) {
			t.Error("accumulators not ordered by date")
		}
	}

	merged := AggregateAccumulators(accs)
	live := AggregateRecords(records, set, set.Buckets[0], "")
	if diff := cmp.Diff(live, merged, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("rollup and live disagree (-live +rollup):\n%s", diff)
	}
}

func TestAccumulatorMergeIdentity(t *testing.T) {
	a := models.DailyStatAccumulator{SumAbs: 3, SumSq: 5, SumBias: -1, Count: 2}
	b := a
	b.Merge(models.DailyStatAccumulator{})
	if a != b {
		t.Errorf("merge with zero changed accumulator: %+v", b)
	}
}

func TestContributionsScenario(t *testing.T) {
	stats := []Stats{
		{Model: "a", Variable: VarTemperature, MAE: 1.0, Count: 10},
		{Model: "b", Variable: VarTemperature, MAE: 3.0, Count: 10},
	}
	got := Contributions(stats)
	if got["a"][VarTemperature] != 0.5 || got["b"][VarTemperature] != 1.5 {
		t.Errorf("contributions = %v, want a=0.5 b=1.5", got)
	}
}

func TestContributionsFloor(t *testing.T) {
	stats := []Stats{
		{Model: "a", Variable: VarTemperature, MAE: 0.1, Count: 10},
		{Model: "b", Variable: VarTemperature, MAE: 0.3, Count: 10},
	}
	got := Contributions(stats)
	// baseline 0.2 is floored at 0.5
	if math.Abs(got["a"][VarTemperature]-0.2) > 1e-12 || math.Abs(got["b"][VarTemperature]-0.6) > 1e-12 {
		t.Errorf("contributions = %v", got)
	}
}

func TestComposite(t *testing.T) {
	stats := []Stats{
		{Model: "a", Variable: VarTemperature, MAE: 1.0, Count: 10},
		{Model: "b", Variable: VarTemperature, MAE: 3.0, Count: 10},
		{Model: "a", Variable: VarWindSpeed, MAE: 6.0, Count: 5},
		{Model: "b", Variable: VarWindSpeed, MAE: 2.0, Count: 5},
		{Model: "c", Variable: VarDewpoint, MAE: 1.0, Count: 3},
		{Model: "d", Variable: VarDewpoint, MAE: 0, Count: 0},
	}

	rows, err := Composite("0-24", stats)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	got := map[string]models.LeaderboardRow{}
	for _, r := range rows {
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			t.Errorf("%s score %v", r.Model, r.Score)
		}
		got[r.Model] = r
	}
	if _, ok := got["d"]; ok {
		t.Error("model with no contributions was ranked")
	}
	// a: (0.5 + 1.5)/2, b: (1.5 + 0.5)/2, c: dewpoint only, alone so 1.0
	for _, m := range []string{"a", "b", "c"} {
		if math.Abs(got[m].Score-1.0) > 1e-12 {
			t.Errorf("%s score = %v, want 1", m, got[m].Score)
		}
	}
	if got["c"].Variables != 1 || got["a"].Variables != 2 {
		t.Errorf("variable counts: a=%d c=%d", got["a"].Variables, got["c"].Variables)
	}
	if rows[0].Model != "a" || rows[0].Rank != 1 || rows[2].Rank != 3 {
		t.Errorf("ranking = %+v", rows)
	}
}

func TestCompositeInsufficientData(t *testing.T) {
	if _, err := Composite("0-24", nil); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
	if _, err := RankVariable("0-24", VarTemperature, []Stats{{Model: "a", Variable: VarDewpoint, MAE: 1, Count: 1}}); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
}

func TestRankVariable(t *testing.T) {
	stats := []Stats{
		{Model: "b", Variable: VarTemperature, MAE: 2, RMSE: 2.5, Count: 4},
		{Model: "a", Variable: VarTemperature, MAE: 1, RMSE: 1.2, Count: 4},
	}
	rows, err := RankVariable("0-24", VarTemperature, stats)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Model != "a" || rows[0].Rank != 1 || rows[1].RMSE != 2.5 {
		t.Errorf("rows = %+v", rows)
	}
}
