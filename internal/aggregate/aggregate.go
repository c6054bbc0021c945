// Package aggregate fans a GET out to every commons the caller is linked
// to and merges the answers by hostname.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"wts/internal/auth"
	"wts/internal/domain"
	"wts/internal/observability"
	"wts/internal/storage"
)

// DefaultTimeout bounds each downstream call.
const DefaultTimeout = 10 * time.Second

// FiltersParam is the repeated query parameter selecting top-level keys.
const FiltersParam = "filters"

// AccessTokener redeems a stored refresh token, reporting failure as false.
type AccessTokener interface {
	AccessTokenAsync(ctx context.Context, rec domain.RefreshToken) (string, bool)
}

// Hosts maps providers to commons hostnames.
type Hosts interface {
	Hostname(idp string) string
	CommonsHostnames() []string
}

// Request is one aggregate call.
type Request struct {
	Endpoint  string
	Principal *auth.Principal
	Filters   []string
	Query     url.Values
}

// Config configures an Aggregator.
type Config struct {
	Endpoints []string
	Timeout   time.Duration
	// Scheme defaults to https.
	Scheme string
}

// Aggregator performs fan-out calls for allow-listed endpoints.
type Aggregator struct {
	allowed map[string]bool
	timeout time.Duration
	scheme  string

	store   storage.TokenStore
	hosts   Hosts
	tokens  AccessTokener
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates an Aggregator. client, logger and metrics may be nil.
func New(cfg Config, store storage.TokenStore, hosts Hosts, tokens AccessTokener, client *http.Client, logger observability.Logger, metrics *observability.Metrics) *Aggregator {
	a := &Aggregator{
		allowed: make(map[string]bool, len(cfg.Endpoints)),
		timeout: cfg.Timeout,
		scheme:  cfg.Scheme,
		store:   store,
		hosts:   hosts,
		tokens:  tokens,
		client:  client,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, ep := range cfg.Endpoints {
		a.allowed[normalize(ep)] = true
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.scheme == "" {
		a.scheme = "https"
	}
	if a.client == nil {
		a.client = http.DefaultClient
	}
	if a.logger == nil {
		a.logger = observability.Discard()
	}
	a.logger = a.logger.WithComponent("aggregate")
	return a
}

// Allowed reports whether endpoint is on the allow-list.
func (a *Aggregator) Allowed(endpoint string) bool {
	return a.allowed[normalize(endpoint)]
}

func normalize(endpoint string) string {
	return "/" + strings.Trim(endpoint, "/")
}

type target struct {
	host string
	rec  *domain.RefreshToken
}

// Aggregate runs req against every target and returns one entry per host.
// Per-host failures appear as null entries; only an endpoint outside the
// allow-list or a store failure is returned as an error.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (map[string]json.RawMessage, error) {
	if !a.Allowed(req.Endpoint) {
		return nil, fmt.Errorf("%w: endpoint %q is not supported", domain.ErrNotFound, req.Endpoint)
	}
	targets, err := a.targets(ctx, req.Principal)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range req.Query {
		if k != FiltersParam {
			query[k] = v
		}
	}
	endpoint := normalize(req.Endpoint)

	results := make([]json.RawMessage, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i] = a.fetch(ctx, t, endpoint, query, req.Filters)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]json.RawMessage, len(targets))
	for i, t := range targets {
		out[t.host] = results[i]
	}
	return out, nil
}

// targets picks one refresh token per host. Records arrive in ascending
// expiry, so the last one for a host wins.
func (a *Aggregator) targets(ctx context.Context, principal *auth.Principal) ([]target, error) {
	if principal == nil {
		hosts := a.hosts.CommonsHostnames()
		out := make([]target, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, target{host: h})
		}
		return out, nil
	}

	recs, err := a.store.FindAllValid(ctx, principal.Username, a.now())
	if err != nil {
		return nil, fmt.Errorf("find refresh tokens: %w", err)
	}
	index := make(map[string]int)
	var out []target
	for i := range recs {
		host := a.hosts.Hostname(recs[i].IDP)
		if host == "" {
			a.logger.WarnContext(ctx, "refresh token for unconfigured provider", "idp", recs[i].IDP)
			continue
		}
		if j, ok := index[host]; ok {
			out[j].rec = &recs[i]
			continue
		}
		index[host] = len(out)
		out = append(out, target{host: host, rec: &recs[i]})
	}
	return out, nil
}

// fetch never fails: every problem becomes a nil result.
func (a *Aggregator) fetch(ctx context.Context, t target, endpoint string, query url.Values, filters []string) json.RawMessage {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var bearer string
	if t.rec != nil {
		tok, ok := a.tokens.AccessTokenAsync(ctx, *t.rec)
		if !ok {
			a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "error")
			return nil
		}
		bearer = tok
	}

	u := url.URL{Scheme: a.scheme, Host: t.host, Path: endpoint, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		a.logger.WarnContext(ctx, "build aggregate request", "host", t.host, "error", err)
		return nil
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "error")
		a.logger.WarnContext(ctx, "aggregate request failed", "host", t.host, "endpoint", endpoint, "error", err)
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "error")
		a.logger.WarnContext(ctx, "read aggregate response", "host", t.host, "error", err)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "error")
		a.logger.WarnContext(ctx, "aggregate endpoint returned an error", "host", t.host, "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}
	if !json.Valid(body) {
		a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "error")
		a.logger.WarnContext(ctx, "aggregate endpoint returned invalid JSON", "host", t.host, "endpoint", endpoint)
		return nil
	}
	a.metrics.RecordUpstreamCall(observability.UpstreamAggregate, "ok")

	if len(filters) == 0 {
		return json.RawMessage(body)
	}
	return project(body, filters)
}

// project keeps only the requested top-level keys of an object body.
// Missing keys map to null; a non-object body projects every key to null.
func project(body []byte, filters []string) json.RawMessage {
	var obj map[string]json.RawMessage
	_ = json.Unmarshal(body, &obj)

	out := make(map[string]json.RawMessage, len(filters))
	for _, f := range filters {
		if v, ok := obj[f]; ok {
			out[f] = v
		} else {
			out[f] = json.RawMessage("null")
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}
