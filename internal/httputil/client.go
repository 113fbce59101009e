package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "modelscore/1.0 (+https://github.com/lox/modelscore)"
)

// NewClient returns an HTTP client with standard timeout configuration that
// identifies itself to upstream providers.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &userAgent{next: http.DefaultTransport, agent: DefaultUserAgent},
	}
}

type userAgent struct {
	next  http.RoundTripper
	agent string
}

func (u *userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", u.agent)
	}
	return u.next.RoundTrip(req)
}
