package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMetricsConfigFromEnv(t *testing.T) {
	t.Setenv("WTS_METRICS_ENABLED", "false")
	t.Setenv("APP_VERSION", "1.2.3")
	cfg := MetricsConfigFromEnv()
	if cfg.Enabled {
		t.Error("expected metrics disabled")
	}
	if cfg.Version != "1.2.3" || cfg.Namespace != "wts" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestRecordHTTPRequestAndRender(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	m.RecordHTTPRequest("GET", "/token/", 200, 10*time.Millisecond)
	m.RecordHTTPRequest("GET", "/token/", 200, 30*time.Millisecond)
	m.RecordHTTPRequest("GET", "/items/42", 404, time.Millisecond)

	buf := &bytes.Buffer{}
	m.Render(buf)
	out := buf.String()

	for _, want := range []string{
		`wts_info{version="dev"} 1`,
		`wts_http_requests_total{method="GET",path="/token/",status="200"} 2`,
		`wts_http_requests_total{method="GET",path="/items/{id}",status="404"} 1`,
		`wts_http_request_duration_seconds_count{method="GET",path="/token/"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestRecordUpstreamCall(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	m.RecordUpstreamCall(UpstreamRefresh, "ok")
	m.RecordUpstreamCall(UpstreamRefresh, "ok")
	m.RecordUpstreamCall(UpstreamAggregate, "error")

	if got := m.UpstreamCount(UpstreamRefresh, "ok"); got != 2 {
		t.Errorf("refresh ok = %d, want 2", got)
	}
	buf := &bytes.Buffer{}
	m.Render(buf)
	if !strings.Contains(buf.String(), `wts_upstream_requests_total{kind="aggregate",outcome="error"} 1`) {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	m.RecordUpstreamCall(UpstreamRevoke, "ok")
	m.RecordRateLimitAllowed()
	m.RecordRateLimitRejected()
	if m.UpstreamCount(UpstreamRevoke, "ok") != 0 {
		t.Error("nil metrics should report zero")
	}
}

func TestDurationCollector(t *testing.T) {
	d := newDurationCollector(3)
	for _, ms := range []int{100, 200, 300, 400} {
		d.add(time.Duration(ms) * time.Millisecond)
	}
	qs, sum, count := d.snapshot(0.5, 1)
	if count != 3 {
		t.Fatalf("count = %d, want 3 (window)", count)
	}
	if qs[0] < 0.299 || qs[0] > 0.301 {
		t.Errorf("p50 = %v, want 0.3", qs[0])
	}
	if qs[1] < 0.399 {
		t.Errorf("max = %v, want 0.4", qs[1])
	}
	if sum < 0.899 || sum > 0.901 {
		t.Errorf("sum = %v, want 0.9", sum)
	}

	empty := newDurationCollector(5)
	if qs, _, n := empty.snapshot(0.9); n != 0 || qs[0] != 0 {
		t.Errorf("empty snapshot = %v, %d", qs, n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	rr = httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rr.Code)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	h := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/_status", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	buf := &bytes.Buffer{}
	m.Render(buf)
	if !strings.Contains(buf.String(), `path="/_status",status="418"} 1`) {
		t.Errorf("output:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), `path="/metrics"`) {
		t.Error("metrics endpoint should not be recorded")
	}
	if m.activeConnections.Load() != 0 {
		t.Errorf("active connections = %d", m.activeConnections.Load())
	}
}

func TestRateLimitMetricsMiddleware(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	status := http.StatusOK
	h := RateLimitMetricsMiddleware(m, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	status = http.StatusTooManyRequests
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if m.rateLimitAllowed.Load() != 1 || m.rateLimitRejected.Load() != 1 {
		t.Errorf("allowed=%d rejected=%d", m.rateLimitAllowed.Load(), m.rateLimitRejected.Load())
	}
}

func TestMetricsContext(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	if GetMetrics(WithMetrics(context.Background(), m)) != m {
		t.Error("round trip failed")
	}
	if GetMetrics(context.Background()) != nil {
		t.Error("expected nil without metrics")
	}
}

func TestMetricsConcurrentAccess(t *testing.T) {
	m := NewMetrics(DefaultMetricsConfig())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordHTTPRequest("GET", "/token/", 200, time.Millisecond)
				m.RecordUpstreamCall(UpstreamRefresh, "ok")
			}
		}()
	}
	wg.Wait()
	if got := m.UpstreamCount(UpstreamRefresh, "ok"); got != 1000 {
		t.Errorf("upstream count = %d, want 1000", got)
	}
}
