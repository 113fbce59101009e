package ingest

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lox/modelscore/internal/models"
)

func TestReconcile(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	reports := []Report{
		{ObservedAt: at(10, 10), Temp: nf(10), Phenomena: models.Phenomena{models.PhenomenonRain}, Raw: "B"},
		{ObservedAt: at(9, 50), Temp: nf(9), Phenomena: models.Phenomena{models.PhenomenonSnow}, Raw: "A"},
		{ObservedAt: at(12, 20), Temp: nf(13), Raw: "D"},
		{ObservedAt: at(11, 55), Temp: nf(12), WindDir: nf(90), Raw: "C"},
		{ObservedAt: at(13, 40), Temp: nf(14), Raw: "E"},
	}
	amounts := map[int64]Amounts{
		at(10, 0).Unix(): {Rain: nf(1.2), Snow: nf(0.5), Precip: nf(1.7)},
		at(11, 0).Unix(): {Rain: nf(3), Precip: nf(3)},
	}

	got := Reconcile(reports, amounts, start, end)
	want := []models.Observation{
		{
			ObservedAt:   at(10, 0),
			Temp:         nf(9),
			Phenomena:    models.Phenomena{models.PhenomenonRain, models.PhenomenonSnow},
			RawText:      "A\nB",
			RainAmount:   nf(1.2),
			SnowAmount:   nf(0.5),
			PrecipAmount: nf(1.7),
		},
		{
			ObservedAt: at(12, 0),
			Temp:       nf(12),
			WindDir:    nf(90),
			RawText:    "C\nD",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("observations (-want +got):\n%s", diff)
	}
}

func TestReconcileNeverInventsHours(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	amounts := map[int64]Amounts{}
	for h := 0; h < 24; h++ {
		amounts[start.Add(time.Duration(h)*time.Hour).Unix()] = Amounts{Rain: nf(2)}
	}

	if got := Reconcile(nil, amounts, start, start.Add(23*time.Hour)); len(got) != 0 {
		t.Errorf("reanalysis alone produced %d observations", len(got))
	}
}

func TestReconcileWithoutAmounts(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	reports := []Report{{ObservedAt: start.Add(2 * time.Minute), Temp: nf(4)}}

	got := Reconcile(reports, nil, start, start)
	if len(got) != 1 {
		t.Fatalf("got %d observations, want 1", len(got))
	}
	if got[0].RainAmount.Valid || got[0].SnowAmount.Valid || got[0].PrecipAmount.Valid {
		t.Errorf("amounts should be null without reanalysis: %+v", got[0])
	}
}
