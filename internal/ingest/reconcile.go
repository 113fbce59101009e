package ingest

import (
	"sort"
	"strings"
	"time"

	"github.com/lox/modelscore/internal/models"
)

// Reconcile merges raw reports into at most one observation per hour in
// [start, end]. Reports are grouped by their nearest hour. The report closest
// to the hour supplies every continuous field and phenomena are the union
// over the group. Reanalysis amounts attach to hours that have reports; an
// hour with no report produces nothing.
func Reconcile(reports []Report, amounts map[int64]Amounts, start, end time.Time) []models.Observation {
	start, end = start.UTC().Truncate(time.Hour), end.UTC()

	groups := make(map[int64][]Report)
	for _, r := range reports {
		hour := r.ObservedAt.UTC().Round(time.Hour)
		if hour.Before(start) || hour.After(end) {
			continue
		}
		groups[hour.Unix()] = append(groups[hour.Unix()], r)
	}

	out := make([]models.Observation, 0, len(groups))
	for unix, group := range groups {
		hour := time.Unix(unix, 0).UTC()
		sort.SliceStable(group, func(i, j int) bool { return group[i].ObservedAt.Before(group[j].ObservedAt) })

		primary := group[0]
		bestDelta := absDuration(primary.ObservedAt.Sub(hour))
		var (
			phenomena models.Phenomena
			raws      []string
		)
		for _, r := range group {
			if d := absDuration(r.ObservedAt.Sub(hour)); d < bestDelta {
				primary, bestDelta = r, d
			}
			phenomena = phenomena.Union(r.Phenomena)
			if r.Raw != "" {
				raws = append(raws, r.Raw)
			}
		}

		obs := models.Observation{
			ObservedAt: hour,
			Temp:       primary.Temp,
			Dewpoint:   primary.Dewpoint,
			WindDir:    primary.WindDir,
			WindSpeed:  primary.WindSpeed,
			WindGust:   primary.WindGust,
			Visibility: primary.Visibility,
			Pressure:   primary.Pressure,
			Ceiling:    primary.Ceiling,
			Phenomena:  phenomena,
			RawText:    strings.Join(raws, "\n"),
		}
		if a, ok := amounts[unix]; ok {
			obs.RainAmount = a.Rain
			obs.SnowAmount = a.Snow
			obs.PrecipAmount = a.Precip
		}
		out = append(out, obs)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
