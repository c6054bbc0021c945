// Package provider holds the configured identity providers and the OAuth2
// client operations performed against each of them.
package provider

import (
	"fmt"
	"net/http"

	"golang.org/x/sync/singleflight"

	"wts/internal/domain"
	"wts/internal/observability"
)

// Registry maps idp identifiers to providers. It is built once at startup
// and never mutated afterwards.
type Registry struct {
	primary   string
	order     []string
	providers map[string]*Provider
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics
}

// WithHTTPClient sets the client used for every provider call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *registryOptions) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(o *registryOptions) { o.logger = l }
}

// WithMetrics records upstream calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *registryOptions) { o.metrics = m }
}

// NewRegistry validates cfgs and builds a provider for each. primary must be
// one of the configured idps.
func NewRegistry(primary string, cfgs []domain.ProviderConfig, opts ...Option) (*Registry, error) {
	o := registryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = NewHTTPClient("", 0, nil)
	}
	if o.logger == nil {
		o.logger = observability.Discard()
	}
	o.logger = o.logger.WithComponent("provider")

	discovery := &singleflight.Group{}
	r := &Registry{primary: primary, providers: make(map[string]*Provider, len(cfgs))}
	for _, c := range cfgs {
		if c.IDP == "" {
			return nil, fmt.Errorf("provider config without idp")
		}
		if _, dup := r.providers[c.IDP]; dup {
			return nil, fmt.Errorf("duplicate provider %q", c.IDP)
		}
		c = c.WithDefaults()
		if c.Issuer == "" && c.TokenURL == "" {
			return nil, fmt.Errorf("provider %q: base_url or issuer is required", c.IDP)
		}
		r.providers[c.IDP] = &Provider{
			cfg:       c,
			client:    o.client,
			logger:    o.logger.With("idp", c.IDP),
			metrics:   o.metrics,
			discovery: discovery,
		}
		r.order = append(r.order, c.IDP)
	}
	if _, ok := r.providers[primary]; !ok {
		return nil, fmt.Errorf("primary provider %q is not configured", primary)
	}
	return r, nil
}

// Resolve returns the provider for idp; an empty idp means the primary.
func (r *Registry) Resolve(idp string) (*Provider, error) {
	if idp == "" {
		idp = r.primary
	}
	p, ok := r.providers[idp]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnconfiguredProvider, idp)
	}
	return p, nil
}

// Primary returns the primary provider.
func (r *Registry) Primary() *Provider { return r.providers[r.primary] }

// PrimaryIDP returns the primary provider's idp.
func (r *Registry) PrimaryIDP() string { return r.primary }

// List returns all providers in configuration order.
func (r *Registry) List() []*Provider {
	out := make([]*Provider, 0, len(r.order))
	for _, idp := range r.order {
		out = append(out, r.providers[idp])
	}
	return out
}

// CommonsHostnames returns the distinct commons hostnames in configuration order.
func (r *Registry) CommonsHostnames() []string {
	seen := make(map[string]bool, len(r.order))
	var out []string
	for _, idp := range r.order {
		h := r.providers[idp].cfg.CommonsHostname
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Hostname returns the commons hostname of idp, or "" when unconfigured.
func (r *Registry) Hostname(idp string) string {
	if p, ok := r.providers[idp]; ok {
		return p.cfg.CommonsHostname
	}
	return ""
}
