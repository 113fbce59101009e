package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Amounts are the reanalysis precipitation fields for one hour.
type Amounts struct {
	Rain   sql.NullFloat64 // mm
	Snow   sql.NullFloat64 // cm
	Precip sql.NullFloat64 // mm
}

// ReanalysisClient reads hourly precipitation amounts from an Open-Meteo
// style archive API.
type ReanalysisClient struct {
	fetcher  *Fetcher
	baseURL  string
	lat, lon float64
}

func NewReanalysisClient(fetcher *Fetcher, baseURL string, lat, lon float64) *ReanalysisClient {
	return &ReanalysisClient{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/"), lat: lat, lon: lon}
}

// FetchAmounts returns amounts keyed by unix hour for [start, end].
func (c *ReanalysisClient) FetchAmounts(ctx context.Context, start, end time.Time) (map[int64]Amounts, *FetchResult, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(c.lon, 'f', 4, 64))
	q.Set("hourly", "rain,snowfall,precipitation")
	q.Set("start_date", start.UTC().Format(time.DateOnly))
	q.Set("end_date", end.UTC().Format(time.DateOnly))
	q.Set("timeformat", "unixtime")
	q.Set("timezone", "GMT")

	body, result, err := c.fetcher.Get(ctx, "reanalysis", c.baseURL+"/v1/archive?"+q.Encode())
	if err != nil {
		return nil, result, err
	}
	amounts, err := ParseAmounts(body)
	if err != nil {
		return nil, result, err
	}
	result.RecordCount = len(amounts)
	return amounts, result, nil
}

// ParseAmounts decodes the hourly arrays of an archive response.
func ParseAmounts(body []byte) (map[int64]Amounts, error) {
	hourly := gjson.GetBytes(body, "hourly")
	if !hourly.Exists() {
		return nil, fmt.Errorf("%w: reanalysis response has no hourly block", ErrDataQuality)
	}
	times, err := parseTimes(hourly.Get("time"))
	if err != nil {
		return nil, err
	}
	rain := hourly.Get("rain").Array()
	snow := hourly.Get("snowfall").Array()
	precip := hourly.Get("precipitation").Array()

	out := make(map[int64]Amounts, len(times))
	for i, t := range times {
		out[t.Unix()] = Amounts{
			Rain:   arrayValue(rain, i),
			Snow:   arrayValue(snow, i),
			Precip: arrayValue(precip, i),
		}
	}
	return out, nil
}

func arrayValue(values []gjson.Result, i int) sql.NullFloat64 {
	if i >= len(values) {
		return sql.NullFloat64{}
	}
	return jsonNumber(values[i])
}

// parseTimes accepts unix seconds or GMT ISO-8601 minutes.
func parseTimes(v gjson.Result) ([]time.Time, error) {
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: missing time axis", ErrDataQuality)
	}
	var (
		out    []time.Time
		badErr error
	)
	v.ForEach(func(_, item gjson.Result) bool {
		switch item.Type {
		case gjson.Number:
			out = append(out, time.Unix(item.Int(), 0).UTC())
		case gjson.String:
			t, err := time.Parse("2006-01-02T15:04", item.String())
			if err != nil {
				badErr = fmt.Errorf("%w: time %q: %v", ErrDataQuality, item.String(), err)
				return false
			}
			out = append(out, t.UTC())
		default:
			badErr = fmt.Errorf("%w: non-time value on time axis", ErrDataQuality)
			return false
		}
		return true
	})
	return out, badErr
}
