package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	Enabled bool
	// Namespace prefixes every metric name (default: wts).
	Namespace string
	Version   string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: "wts", Version: "dev"}
}

// MetricsConfigFromEnv reads WTS_METRICS_ENABLED and APP_VERSION.
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("WTS_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Upstream call kinds recorded by RecordUpstreamCall.
const (
	UpstreamExchange  = "code_exchange"
	UpstreamRefresh   = "refresh"
	UpstreamRevoke    = "revoke"
	UpstreamAggregate = "aggregate"
)

// Metrics collects request and upstream counters and renders them in the
// Prometheus text format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	namespace string
	version   string

	mu            sync.RWMutex
	httpCounts    map[string]*atomic.Int64 // method:path:status
	httpDurations map[string]*durationCollector
	upstream      map[string]*atomic.Int64 // kind:outcome

	rateLimitAllowed  atomic.Int64
	rateLimitRejected atomic.Int64
	activeConnections atomic.Int64
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "wts"
	}
	return &Metrics{
		namespace:     ns,
		version:       cfg.Version,
		httpCounts:    make(map[string]*atomic.Int64),
		httpDurations: make(map[string]*durationCollector),
		upstream:      make(map[string]*atomic.Int64),
	}
}

// durationCollector keeps a sliding window of samples for quantiles.
type durationCollector struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

func newDurationCollector(maxSize int) *durationCollector {
	return &durationCollector{samples: make([]float64, 0, maxSize), maxSize: maxSize}
}

func (d *durationCollector) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) >= d.maxSize {
		d.samples = append(d.samples[:0], d.samples[1:]...)
	}
	d.samples = append(d.samples, duration.Seconds())
}

// snapshot returns the requested quantiles plus sum and count.
func (d *durationCollector) snapshot(qs ...float64) (quantiles []float64, sum float64, count int) {
	d.mu.Lock()
	sorted := slices.Clone(d.samples)
	d.mu.Unlock()

	slices.Sort(sorted)
	for _, s := range sorted {
		sum += s
	}
	quantiles = make([]float64, len(qs))
	if len(sorted) == 0 {
		return quantiles, 0, 0
	}
	for i, q := range qs {
		idx := q * float64(len(sorted)-1)
		lower := int(idx)
		if lower+1 >= len(sorted) {
			quantiles[i] = sorted[len(sorted)-1]
			continue
		}
		frac := idx - float64(lower)
		quantiles[i] = sorted[lower]*(1-frac) + sorted[lower+1]*frac
	}
	return quantiles, sum, len(sorted)
}

func counter(mu *sync.RWMutex, m map[string]*atomic.Int64, key string) *atomic.Int64 {
	mu.RLock()
	c, ok := m[key]
	mu.RUnlock()
	if ok {
		return c
	}
	mu.Lock()
	defer mu.Unlock()
	if c, ok = m[key]; !ok {
		c = &atomic.Int64{}
		m[key] = c
	}
	return c
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	path = normalizePath(path)
	counter(&m.mu, m.httpCounts, fmt.Sprintf("%s:%s:%d", method, path, statusCode)).Add(1)

	key := method + ":" + path
	m.mu.Lock()
	c, ok := m.httpDurations[key]
	if !ok {
		c = newDurationCollector(1000)
		m.httpDurations[key] = c
	}
	m.mu.Unlock()
	c.add(duration)
}

// RecordUpstreamCall counts one outbound call to a provider or commons.
// outcome is "ok" or "error".
func (m *Metrics) RecordUpstreamCall(kind, outcome string) {
	if m == nil {
		return
	}
	counter(&m.mu, m.upstream, kind+":"+outcome).Add(1)
}

// UpstreamCount returns the counter value for kind and outcome.
func (m *Metrics) UpstreamCount(kind, outcome string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.upstream[kind+":"+outcome]; ok {
		return c.Load()
	}
	return 0
}

func (m *Metrics) RecordRateLimitAllowed() {
	if m != nil {
		m.rateLimitAllowed.Add(1)
	}
}

func (m *Metrics) RecordRateLimitRejected() {
	if m != nil {
		m.rateLimitRejected.Add(1)
	}
}

// normalizePath collapses numeric path segments into {id}.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.Render(w)
	})
}

func sortedKeys[V any](mu *sync.RWMutex, m map[string]V) []string {
	mu.RLock()
	defer mu.RUnlock()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Render writes every metric to w.
func (m *Metrics) Render(w io.Writer) {
	ns := m.namespace
	fmt.Fprintf(w, "# HELP %s_info Application information\n# TYPE %s_info gauge\n", ns, ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", ns, m.version)

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", ns)
	for _, key := range sortedKeys(&m.mu, m.httpCounts) {
		parts := strings.SplitN(key, ":", 3)
		m.mu.RLock()
		v := m.httpCounts[key].Load()
		m.mu.RUnlock()
		fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n", ns, parts[0], parts[1], parts[2], v)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_request_duration_seconds HTTP request duration in seconds\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_request_duration_seconds summary\n", ns)
	qs := []float64{0.5, 0.9, 0.99}
	for _, key := range sortedKeys(&m.mu, m.httpDurations) {
		method, path, _ := strings.Cut(key, ":")
		m.mu.RLock()
		c := m.httpDurations[key]
		m.mu.RUnlock()
		vals, sum, count := c.snapshot(qs...)
		for i, q := range qs {
			fmt.Fprintf(w, "%s_http_request_duration_seconds{method=%q,path=%q,quantile=\"%.2f\"} %.6f\n", ns, method, path, q, vals[i])
		}
		fmt.Fprintf(w, "%s_http_request_duration_seconds_sum{method=%q,path=%q} %.6f\n", ns, method, path, sum)
		fmt.Fprintf(w, "%s_http_request_duration_seconds_count{method=%q,path=%q} %d\n", ns, method, path, count)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_upstream_requests_total Outbound calls to providers and commons\n", ns)
	fmt.Fprintf(w, "# TYPE %s_upstream_requests_total counter\n", ns)
	for _, key := range sortedKeys(&m.mu, m.upstream) {
		kind, outcome, _ := strings.Cut(key, ":")
		fmt.Fprintf(w, "%s_upstream_requests_total{kind=%q,outcome=%q} %d\n", ns, kind, outcome, m.UpstreamCount(kind, outcome))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_rate_limit_requests_total Total rate limit decisions\n", ns)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_requests_total counter\n", ns)
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"allowed\"} %d\n", ns, m.rateLimitAllowed.Load())
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"rejected\"} %d\n\n", ns, m.rateLimitRejected.Load())

	fmt.Fprintf(w, "# HELP %s_active_connections Current number of active HTTP connections\n", ns)
	fmt.Fprintf(w, "# TYPE %s_active_connections gauge\n", ns)
	fmt.Fprintf(w, "%s_active_connections %d\n", ns, m.activeConnections.Load())
}

// MetricsMiddleware records count and duration for every request except
// the metrics endpoint itself.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}
			m.activeConnections.Add(1)
			defer m.activeConnections.Add(-1)

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, sw.statusCode, time.Since(start))
		})
	}
}

// RateLimitMetricsMiddleware wraps the rate limiter and counts 429s as
// rejections.
func RateLimitMetricsMiddleware(m *Metrics, rateLimitEnabled bool) func(http.Handler) http.Handler {
	if m == nil || !rateLimitEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.statusCode == http.StatusTooManyRequests {
				m.RecordRateLimitRejected()
			} else {
				m.RecordRateLimitAllowed()
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type metricsContextKeyType string

const metricsContextKey metricsContextKeyType = "metrics"

// WithMetrics adds Metrics to the context.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsContextKey, m)
}

// GetMetrics extracts Metrics from context; nil when absent.
func GetMetrics(ctx context.Context) *Metrics {
	m, _ := ctx.Value(metricsContextKey).(*Metrics)
	return m
}
