package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"github.com/lox/modelscore/internal/htmlutil"
)

// TAFClient fetches the current terminal aerodrome forecast text. It asks for
// JSON first and falls back to the HTML rendering.
type TAFClient struct {
	fetcher *Fetcher
	baseURL string
	station string
}

func NewTAFClient(fetcher *Fetcher, baseURL, station string) *TAFClient {
	return &TAFClient{fetcher: fetcher, baseURL: strings.TrimRight(baseURL, "/"), station: station}
}

func (c *TAFClient) FetchText(ctx context.Context) (string, *FetchResult, error) {
	var errs *multierror.Error
	var last *FetchResult
	for _, format := range []string{"json", "html"} {
		q := url.Values{}
		q.Set("ids", c.station)
		q.Set("format", format)
		body, result, err := c.fetcher.Get(ctx, "taf", c.baseURL+"/api/data/taf?"+q.Encode())
		last = result
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", format, err))
			continue
		}
		var text string
		if format == "json" {
			text = parseTAFJSON(body)
		} else {
			text = strings.Join(htmlutil.ToLines(string(body)), "\n")
		}
		if text == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w: no TAF for %s", format, ErrDataQuality, c.station))
			continue
		}
		result.RecordCount = 1
		return text, result, nil
	}
	return "", last, errs.ErrorOrNil()
}

func parseTAFJSON(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	raw := gjson.GetBytes(body, "0.rawTAF").String()
	return strings.Join(strings.Fields(raw), " ")
}
