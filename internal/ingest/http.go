package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/modelscore/internal/httputil"
	"github.com/lox/modelscore/internal/metrics"
)

// FetchResult describes one upstream fetch for the audit log.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	Dropped      int
}

// StatusError is returned for a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth retrying: rate limits and
// server errors.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Fetcher performs paced GET requests with capped exponential backoff.
type Fetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	initial    time.Duration
	maxElapsed time.Duration
	maxRetries uint64
}

type FetcherOption func(*Fetcher)

// WithRateLimit caps requests per second across every caller of the fetcher.
func WithRateLimit(perSecond float64, burst int) FetcherOption {
	return func(f *Fetcher) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry sets the first backoff interval and bounds the retry loop by
// elapsed time and attempt count.
func WithRetry(initial, maxElapsed time.Duration, maxRetries uint64) FetcherOption {
	return func(f *Fetcher) {
		f.initial = initial
		f.maxElapsed = maxElapsed
		f.maxRetries = maxRetries
	}
}

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:     httputil.NewClient(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		initial:    backoff.DefaultInitialInterval,
		maxElapsed: 2 * time.Minute,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get fetches url, retrying only on 429 and 5xx. The returned result carries
// the final HTTP status even on failure.
func (f *Fetcher) Get(ctx context.Context, source, url string) ([]byte, *FetchResult, error) {
	result := &FetchResult{}
	var body []byte

	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		start := time.Now()
		resp, err := f.client.Do(req)
		metrics.UpstreamLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
			return backoff.Permanent(fmt.Errorf("fetch %s: %w", source, err))
		}
		defer resp.Body.Close()

		result.HTTPStatus = resp.StatusCode
		metrics.UpstreamCallsTotal.WithLabelValues(source, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &StatusError{Code: resp.StatusCode, Body: string(b)}
			if serr.Retryable() {
				return serr
			}
			return backoff.Permanent(serr)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		result.ResponseSize = len(body)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.initial
	bo.MaxElapsedTime = f.maxElapsed
	var policy backoff.BackOff = bo
	if f.maxRetries > 0 {
		policy = backoff.WithMaxRetries(bo, f.maxRetries)
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, result, err
	}
	return body, result, nil
}

// retryable reports whether err came from a retryable upstream status.
func retryable(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Retryable()
}
