package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies the service to upstream providers.
const DefaultUserAgent = "clima/1.0 (+https://github.com/lox/clima)"

// NewClient returns an HTTP client with the standard timeout that sends
// userAgent on every request lacking one.
func NewClient(userAgent string) *http.Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &agentTransport{base: http.DefaultTransport, agent: userAgent},
	}
}

type agentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}
