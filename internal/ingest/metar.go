package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lox/modelscore/internal/models"
)

// Fixed unit conversions applied at ingestion.
const (
	KnotsToKmh         = 1.852
	MetresPerSecToKmh  = 3.6
	StatuteMileMetres  = 1609.344
	FeetToMetres       = 0.3048
	InHgToHPa          = 33.8639
	pressureHPaMinimum = 800
)

// PressureHPa converts an altimeter setting to hPa. Values above 800 are
// already hPa; anything smaller is read as inHg.
func PressureHPa(v float64) float64 {
	if v > pressureHPaMinimum {
		return v
	}
	return v * InHgToHPa
}

// Report is one raw station report in canonical units: °C, km/h, metres, hPa.
type Report struct {
	ObservedAt time.Time
	Temp       sql.NullFloat64
	Dewpoint   sql.NullFloat64
	WindDir    sql.NullFloat64
	WindSpeed  sql.NullFloat64
	WindGust   sql.NullFloat64
	Visibility sql.NullFloat64
	Pressure   sql.NullFloat64
	Ceiling    sql.NullFloat64
	Phenomena  models.Phenomena
	Raw        string
}

// ReportSource is a ground-truth provider of raw station reports.
type ReportSource interface {
	Name() string
	FetchReports(ctx context.Context, hours int) ([]Report, *FetchResult, error)
}

// MetarClient reads decoded METARs from an aviationweather.gov style JSON API.
type MetarClient struct {
	fetcher *Fetcher
	baseURL string
	station string
}

func NewMetarClient(fetcher *Fetcher, baseURL, station string) *MetarClient {
	return &MetarClient{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/"), station: station}
}

func (c *MetarClient) Name() string { return "metar" }

func (c *MetarClient) FetchReports(ctx context.Context, hours int) ([]Report, *FetchResult, error) {
	q := url.Values{}
	q.Set("ids", c.station)
	q.Set("hours", strconv.Itoa(hours))
	q.Set("format", "json")
	body, result, err := c.fetcher.Get(ctx, c.Name(), c.baseURL+"/api/data/metar?"+q.Encode())
	if err != nil {
		return nil, result, err
	}
	reports, err := ParseMetarJSON(body)
	if err != nil {
		return nil, result, err
	}
	result.RecordCount = len(reports)
	return reports, result, nil
}

// ParseMetarJSON decodes the JSON array returned by the METAR API. Entries
// without a usable timestamp are skipped.
func ParseMetarJSON(body []byte) ([]Report, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid METAR JSON", ErrDataQuality)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: METAR response is not an array", ErrDataQuality)
	}

	var reports []Report
	doc.ForEach(func(_, item gjson.Result) bool {
		observed, ok := metarTime(item)
		if !ok {
			return true
		}
		r := Report{
			ObservedAt: observed,
			Temp:       jsonNumber(item.Get("temp")),
			Dewpoint:   jsonNumber(item.Get("dewp")),
			Raw:        item.Get("rawOb").String(),
		}
		if wdir := item.Get("wdir"); wdir.Type == gjson.Number {
			r.WindDir = nullFloat(wdir.Float())
		}
		if v := jsonNumber(item.Get("wspd")); v.Valid {
			r.WindSpeed = nullFloat(v.Float64 * KnotsToKmh)
		}
		if v := jsonNumber(item.Get("wgst")); v.Valid {
			r.WindGust = nullFloat(v.Float64 * KnotsToKmh)
		}
		r.Visibility = visibilityMetres(item.Get("visib"))
		if v := jsonNumber(item.Get("altim")); v.Valid {
			r.Pressure = nullFloat(PressureHPa(v.Float64))
		}
		r.Ceiling = cloudCeiling(item.Get("clouds"))
		for _, tok := range strings.Fields(item.Get("wxString").String()) {
			if ph, ok := parseWeather(tok); ok {
				r.Phenomena = r.Phenomena.Union(ph)
			}
		}
		reports = append(reports, r)
		return true
	})

	sort.Slice(reports, func(i, j int) bool { return reports[i].ObservedAt.Before(reports[j].ObservedAt) })
	return reports, nil
}

func metarTime(item gjson.Result) (time.Time, bool) {
	if v := item.Get("obsTime"); v.Type == gjson.Number {
		return time.Unix(v.Int(), 0).UTC(), true
	}
	for _, key := range []string{"reportTime", "receiptTime"} {
		if v := item.Get(key); v.Type == gjson.String {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.000Z"} {
				if t, err := time.Parse(layout, v.String()); err == nil {
					return t.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func jsonNumber(v gjson.Result) sql.NullFloat64 {
	if v.Type != gjson.Number {
		return sql.NullFloat64{}
	}
	return nullFloat(v.Float())
}

// visibilityMetres accepts statute miles as a number or a string such as
// "10+" or "1/2".
func visibilityMetres(v gjson.Result) sql.NullFloat64 {
	switch v.Type {
	case gjson.Number:
		return nullFloat(v.Float() * StatuteMileMetres)
	case gjson.String:
		if miles, ok := parseMiles(strings.TrimSuffix(v.String(), "+")); ok {
			return nullFloat(miles * StatuteMileMetres)
		}
	}
	return sql.NullFloat64{}
}

func parseMiles(s string) (float64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "M")
	if s == "" {
		return 0, false
	}
	var total float64
	for _, part := range strings.Fields(s) {
		if num, den, ok := strings.Cut(part, "/"); ok {
			n, err1 := strconv.ParseFloat(num, 64)
			d, err2 := strconv.ParseFloat(den, 64)
			if err1 != nil || err2 != nil || d == 0 {
				return 0, false
			}
			total += n / d
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, false
		}
		total += f
	}
	return total, true
}

func cloudCeiling(clouds gjson.Result) sql.NullFloat64 {
	var ceiling sql.NullFloat64
	clouds.ForEach(func(_, layer gjson.Result) bool {
		switch layer.Get("cover").String() {
		case "BKN", "OVC", "OVX", "VV":
		default:
			return true
		}
		base := layer.Get("base")
		if base.Type != gjson.Number {
			return true
		}
		m := base.Float() * FeetToMetres
		if !ceiling.Valid || m < ceiling.Float64 {
			ceiling = nullFloat(m)
		}
		return true
	})
	return ceiling
}

var (
	wxDescriptors = map[string]bool{"MI": true, "PR": true, "BC": true, "DR": true, "BL": true, "SH": true, "TS": true, "FZ": true}
	wxPrecip      = map[string]bool{"DZ": true, "RA": true, "SN": true, "SG": true, "IC": true, "PL": true, "GR": true, "GS": true, "UP": true}
	wxOther       = map[string]bool{"BR": true, "FG": true, "FU": true, "VA": true, "DU": true, "SA": true, "HZ": true, "PY": true,
		"PO": true, "SQ": true, "FC": true, "SS": true, "DS": true}
)

// parseWeather decodes one present-weather group. ok is false when tok is not
// a weather group. Vicinity groups are recognised but contribute nothing.
func parseWeather(tok string) (models.Phenomena, bool) {
	s := strings.TrimLeft(tok, "+-")
	vicinity := strings.HasPrefix(s, "VC")
	s = strings.TrimPrefix(s, "VC")
	if s == "" || len(s)%2 != 0 {
		return nil, false
	}

	var chunks []string
	for i := 0; i < len(s); i += 2 {
		c := s[i : i+2]
		if !wxDescriptors[c] && !wxPrecip[c] && !wxOther[c] {
			return nil, false
		}
		chunks = append(chunks, c)
	}
	if vicinity {
		return nil, true
	}

	var freezing bool
	var out models.Phenomena
	for _, c := range chunks {
		switch c {
		case "FZ":
			freezing = true
		case "TS":
			out = append(out, models.PhenomenonThunderstorm)
		}
	}
	for _, c := range chunks {
		switch c {
		case "RA", "DZ":
			if freezing {
				out = append(out, models.PhenomenonFreezingRain)
			} else {
				out = append(out, models.PhenomenonRain)
			}
		case "SN", "SG":
			out = append(out, models.PhenomenonSnow)
		}
	}
	return out.Union(nil), true
}

// ParseMETAR decodes a raw METAR or SPECI. The day-hour-minute group is
// resolved against ref, the latest time the report could have been issued.
func ParseMETAR(raw string, ref time.Time) (Report, error) {
	r := Report{Raw: strings.TrimSpace(raw)}
	tokens := strings.Fields(r.Raw)
	i := 0
	for i < len(tokens) && (tokens[i] == "METAR" || tokens[i] == "SPECI") {
		i++
	}
	if i+1 >= len(tokens) {
		return r, fmt.Errorf("%w: truncated METAR %q", ErrDataQuality, raw)
	}
	i++ // station

	observed, err := resolveDayTime(tokens[i], ref)
	if err != nil {
		return r, err
	}
	r.ObservedAt = observed
	i++

	for ; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "RMK" || tok == "TEMPO" || tok == "BECMG":
			return r, nil
		case tok == "AUTO" || tok == "COR" || tok == "NIL":
		case tok == "CAVOK":
			r.Visibility = nullFloat(10000)
		case parseWind(tok, &r):
		case strings.HasSuffix(tok, "SM"):
			miles := strings.TrimSuffix(tok, "SM")
			// "1 1/2SM" arrives as two tokens
			if i > 0 && strings.Contains(miles, "/") && isDigits(tokens[i-1]) && len(tokens[i-1]) == 1 {
				miles = tokens[i-1] + " " + miles
			}
			if m, ok := parseMiles(miles); ok {
				r.Visibility = nullFloat(m * StatuteMileMetres)
			}
		case len(tok) == 4 && isDigits(tok) && !r.Visibility.Valid:
			v, _ := strconv.Atoi(tok)
			r.Visibility = nullFloat(float64(v))
		case parseTempDew(tok, &r):
		case len(tok) == 5 && (tok[0] == 'A' || tok[0] == 'Q') && isDigits(tok[1:]):
			v, _ := strconv.Atoi(tok[1:])
			if tok[0] == 'A' {
				r.Pressure = nullFloat(PressureHPa(float64(v) / 100))
			} else {
				r.Pressure = nullFloat(float64(v))
			}
		case parseCloud(tok, &r):
		default:
			if ph, ok := parseWeather(tok); ok {
				r.Phenomena = r.Phenomena.Union(ph)
			}
		}
	}
	return r, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func resolveDayTime(tok string, ref time.Time) (time.Time, error) {
	if len(tok) != 7 || tok[6] != 'Z' || !isDigits(tok[:6]) {
		return time.Time{}, fmt.Errorf("%w: bad METAR time group %q", ErrDataQuality, tok)
	}
	day, _ := strconv.Atoi(tok[0:2])
	hour, _ := strconv.Atoi(tok[2:4])
	minute, _ := strconv.Atoi(tok[4:6])
	if day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: bad METAR time group %q", ErrDataQuality, tok)
	}
	ref = ref.UTC()
	t := time.Date(ref.Year(), ref.Month(), day, hour, minute, 0, 0, time.UTC)
	if t.After(ref.Add(time.Hour)) {
		t = time.Date(ref.Year(), ref.Month()-1, day, hour, minute, 0, 0, time.UTC)
	}
	return t, nil
}

// parseWind reads dddffKT, dddffGggKT, VRBffKT and the MPS variants.
func parseWind(tok string, r *Report) bool {
	factor := KnotsToKmh
	body, ok := strings.CutSuffix(tok, "KT")
	if !ok {
		if body, ok = strings.CutSuffix(tok, "MPS"); !ok {
			return false
		}
		factor = MetresPerSecToKmh
	}
	if len(body) < 5 {
		return false
	}
	dir, rest := body[:3], body[3:]
	speed, gust, hasGust := strings.Cut(rest, "G")
	if !isDigits(speed) || (hasGust && !isDigits(gust)) {
		return false
	}
	if dir != "VRB" {
		if !isDigits(dir) {
			return false
		}
		d, _ := strconv.Atoi(dir)
		r.WindDir = nullFloat(float64(d))
	}
	s, _ := strconv.Atoi(speed)
	r.WindSpeed = nullFloat(float64(s) * factor)
	if hasGust {
		g, _ := strconv.Atoi(gust)
		r.WindGust = nullFloat(float64(g) * factor)
	}
	return true
}

func parseTempDew(tok string, r *Report) bool {
	t, d, ok := strings.Cut(tok, "/")
	if !ok || strings.Contains(d, "/") {
		return false
	}
	temp, tOK := metarTemp(t)
	dew, dOK := metarTemp(d)
	if !tOK || (d != "" && !dOK) {
		return false
	}
	r.Temp = nullFloat(temp)
	if dOK {
		r.Dewpoint = nullFloat(dew)
	}
	return true
}

func metarTemp(s string) (float64, bool) {
	neg := strings.HasPrefix(s, "M")
	s = strings.TrimPrefix(s, "M")
	if len(s) != 2 || !isDigits(s) {
		return 0, false
	}
	v, _ := strconv.Atoi(s)
	if neg {
		v = -v
	}
	return float64(v), true
}

func parseCloud(tok string, r *Report) bool {
	var cover, height string
	switch {
	case strings.HasPrefix(tok, "VV"):
		cover, height = "VV", tok[2:]
	case len(tok) >= 6:
		cover, height = tok[:3], tok[3:6]
	default:
		return false
	}
	switch cover {
	case "FEW", "SCT":
		return len(height) == 3 && isDigits(height)
	case "BKN", "OVC", "VV":
	default:
		return false
	}
	if len(height) > 3 {
		height = height[:3]
	}
	if !isDigits(height) {
		return cover == "VV" && height == "///"
	}
	h, _ := strconv.Atoi(height)
	m := float64(h) * 100 * FeetToMetres
	if !r.Ceiling.Valid || m < r.Ceiling.Float64 {
		r.Ceiling = nullFloat(m)
	}
	return true
}
