package provider

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound call made with NewHTTPClient.
const DefaultTimeout = 30 * time.Second

// UserAgent returns the User-Agent header sent to providers and commons.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return "Gen3WTS/" + version
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") == "" {
		r = r.Clone(r.Context())
		r.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(r)
}

// NewHTTPClient returns a client that tags requests with the WTS user agent.
// base may be nil to use http.DefaultTransport.
func NewHTTPClient(version string, timeout time.Duration, base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{agent: UserAgent(version), base: base},
	}
}
