// Package testutil wires a complete WTS server against a mock identity
// provider for handler tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/cookiejar"
	"sync/atomic"
	"testing"
	"time"

	"wts/internal/aggregate"
	"wts/internal/api"
	"wts/internal/auth"
	"wts/internal/auth/oidctest"
	"wts/internal/crypto"
	"wts/internal/domain"
	"wts/internal/oauth"
	"wts/internal/observability"
	"wts/internal/provider"
	"wts/internal/storage"
)

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// Ambient identifies callers without a bearer token. Nil means anonymous.
	Ambient auth.IdentityResolver
	// EnableBearer verifies bearer tokens against the mock IdP.
	EnableBearer bool
	// Linked are extra providers. BaseURL, client credentials and
	// RedirectURI default to the mock IdP.
	Linked []domain.ProviderConfig
	// AggregateEndpoints defaults to the service defaults.
	AggregateEndpoints []string
	AggregateTimeout   time.Duration
	// AggregateClient talks to the commons; defaults to http.DefaultClient.
	AggregateClient *http.Client
	BasePath        string
	// EnableRateLimit enables rate limiting middleware.
	EnableRateLimit bool
	// RateLimitConfig configures rate limiting if enabled.
	RateLimitConfig api.RateLimitConfig
	// EnableMetrics enables metrics collection.
	EnableMetrics bool
}

// DefaultTestServerConfig returns a server whose callers are all "alice".
func DefaultTestServerConfig() TestServerConfig {
	return TestServerConfig{
		Ambient: &auth.StaticResolver{Principal: auth.Principal{UserID: "1", Username: "alice", Source: auth.SourceStatic}},
	}
}

// CountingStore counts calls into the wrapped token store.
type CountingStore struct {
	storage.TokenStore
	calls atomic.Int64
}

// Calls returns the number of store operations performed.
func (c *CountingStore) Calls() int64 { return c.calls.Load() }

func (c *CountingStore) Insert(ctx context.Context, rec domain.RefreshToken) error {
	c.calls.Add(1)
	return c.TokenStore.Insert(ctx, rec)
}

func (c *CountingStore) Rotate(ctx context.Context, userID, idp string, rec domain.RefreshToken) error {
	c.calls.Add(1)
	return c.TokenStore.Rotate(ctx, userID, idp, rec)
}

func (c *CountingStore) FindLatest(ctx context.Context, username, idp string) (*domain.RefreshToken, error) {
	c.calls.Add(1)
	return c.TokenStore.FindLatest(ctx, username, idp)
}

func (c *CountingStore) FindAllValid(ctx context.Context, username string, now time.Time) ([]domain.RefreshToken, error) {
	c.calls.Add(1)
	return c.TokenStore.FindAllValid(ctx, username, now)
}

func (c *CountingStore) IsValid(ctx context.Context, username, idp string, now time.Time) (bool, error) {
	c.calls.Add(1)
	return c.TokenStore.IsValid(ctx, username, idp, now)
}

// Ping forwards to the wrapped store when it supports health checks.
func (c *CountingStore) Ping(ctx context.Context) error {
	if hc, ok := c.TokenStore.(storage.HealthCheck); ok {
		return hc.Ping(ctx)
	}
	return nil
}

func (c *CountingStore) Stats() *storage.DBStats {
	if hc, ok := c.TokenStore.(storage.HealthCheck); ok {
		return hc.Stats()
	}
	return &storage.DBStats{}
}

// TestServerComponents holds all the components created for a test server.
type TestServerComponents struct {
	// Server is the test HTTP server.
	Server *httptest.Server
	// IdP is the mock identity provider every provider points at.
	IdP       *oidctest.Server
	Store     *CountingStore
	Memory    *storage.MemoryTokenStore
	Sessions  *auth.MemorySessionStore
	Envelope  *crypto.Envelope
	Providers *provider.Registry
	Metrics   *observability.Metrics
	Logger    observability.Logger
}

// NewTestServer creates a fully configured test server. It is closed when
// the test ends.
func NewTestServer(t *testing.T, cfg TestServerConfig) *TestServerComponents {
	t.Helper()

	idp := oidctest.New(t)
	logger := observability.NewLogger(observability.Config{
		Level:  "debug",
		Format: "json",
		Output: io.Discard,
	})

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			Namespace: "wts_test",
			Version:   "test",
		})
	}

	const redirect = "https://wts.example.org/oauth2/authorize"
	cfgs := []domain.ProviderConfig{{
		IDP:          domain.DefaultIDP,
		Name:         "Gen3 Fence",
		BaseURL:      idp.BaseURL(),
		ClientID:     oidctest.ClientID,
		ClientSecret: oidctest.ClientSecret,
		RedirectURI:  redirect,
	}}
	for _, c := range cfg.Linked {
		if c.BaseURL == "" && c.Issuer == "" {
			c.BaseURL = idp.BaseURL()
		}
		if c.ClientID == "" {
			c.ClientID, c.ClientSecret = oidctest.ClientID, oidctest.ClientSecret
		}
		if c.RedirectURI == "" {
			c.RedirectURI = redirect
		}
		cfgs = append(cfgs, c)
	}
	reg, err := provider.NewRegistry(domain.DefaultIDP, cfgs,
		provider.WithLogger(logger), provider.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := crypto.ParseKey(key)
	if err != nil {
		t.Fatal(err)
	}
	env, err := crypto.NewEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}

	mem := storage.NewMemoryTokenStore()
	store := &CountingStore{TokenStore: mem}
	sessions := auth.NewMemorySessionStore()

	authn := &auth.Authenticator{Ambient: cfg.Ambient}
	if cfg.EnableBearer {
		authn.Bearer, err = auth.NewBearerTokenResolver(context.Background(), auth.BearerConfig{
			Issuer:  idp.Issuer(),
			JWKSURL: idp.JWKSURL(),
		})
		if err != nil {
			t.Fatalf("NewBearerTokenResolver: %v", err)
		}
	}

	endpoints := cfg.AggregateEndpoints
	if endpoints == nil {
		endpoints = []string{"/authz/mapping", "/user/user"}
	}
	exchanger := oauth.NewExchanger(reg, store, env, logger)
	agg := aggregate.New(aggregate.Config{Endpoints: endpoints, Timeout: cfg.AggregateTimeout},
		store, reg, exchanger, cfg.AggregateClient, logger, metrics)

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Deps{
		Providers:  reg,
		Store:      store,
		Sessions:   sessions,
		Flow:       oauth.NewFlow(reg, store, env, logger),
		Exchanger:  exchanger,
		Aggregator: agg,
		Auth:       authn,
		WTSBaseURL: "https://wts.example.org/",
		BasePath:   cfg.BasePath,
		Logger:     logger,
		Metrics:    metrics,
	})
	srv.RegisterRoutes()

	middlewares := []api.Middleware{
		observability.MetricsMiddleware(metrics),
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger),
	}
	if cfg.EnableRateLimit {
		middlewares = append(middlewares,
			api.Middleware(observability.RateLimitMetricsMiddleware(metrics, true)),
			api.RateLimitMiddleware(cfg.RateLimitConfig, nil, logger))
	}
	testServer := httptest.NewServer(api.ApplyMiddlewares(mux, middlewares...))
	t.Cleanup(testServer.Close)

	return &TestServerComponents{
		Server:    testServer,
		IdP:       idp,
		Store:     store,
		Memory:    mem,
		Sessions:  sessions,
		Envelope:  env,
		Providers: reg,
		Metrics:   metrics,
		Logger:    logger,
	}
}

// Client returns a client that keeps cookies and does not follow redirects.
func Client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Get performs a GET and fails the test on transport errors.
func Get(t *testing.T, client *http.Client, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return DoRequest(t, client, req)
}

// DoRequest performs an HTTP request and returns the response.
func DoRequest(t *testing.T, client *http.Client, req *http.Request) *http.Response {
	t.Helper()

	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// AssertStatus checks that the response has the expected status code.
func AssertStatus(t *testing.T, got, expected int) {
	t.Helper()

	if got != expected {
		t.Errorf("expected status %d, got %d", expected, got)
	}
}

// AssertJSON decodes body into expected, which must be a pointer.
func AssertJSON(t *testing.T, body io.Reader, expected any) {
	t.Helper()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	if err := json.Unmarshal(data, expected); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v\nBody: %s", err, string(data))
	}
}
