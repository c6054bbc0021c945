package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"wts/internal/domain"
	"wts/internal/observability"
)

// Provider performs the OAuth2 client operations against one idp.
type Provider struct {
	cfg     domain.ProviderConfig
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics

	discovery *singleflight.Group
	mu        sync.Mutex
	endpoints *endpoints
}

type endpoints struct {
	oauth2.Endpoint
	RevokeURL string
}

// IDP returns the provider identifier.
func (p *Provider) IDP() string { return p.cfg.IDP }

// Config returns the provider configuration with defaults applied.
func (p *Provider) Config() domain.ProviderConfig { return p.cfg }

// resolveEndpoints returns the configured endpoints, or discovers them from
// the issuer once per process. Failed discoveries are not cached.
func (p *Provider) resolveEndpoints(ctx context.Context) (endpoints, error) {
	if p.cfg.Issuer == "" {
		return endpoints{
			Endpoint: oauth2.Endpoint{
				AuthURL:   p.cfg.AuthorizeURL,
				TokenURL:  p.cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			RevokeURL: p.cfg.RevokeURL,
		}, nil
	}

	p.mu.Lock()
	cached := p.endpoints
	p.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	v, err, _ := p.discovery.Do(p.cfg.Issuer, func() (any, error) {
		prov, err := gooidc.NewProvider(gooidc.ClientContext(ctx, p.client), p.cfg.Issuer)
		if err != nil {
			return nil, err
		}
		var extra struct {
			RevocationEndpoint string `json:"revocation_endpoint"`
		}
		if err := prov.Claims(&extra); err != nil {
			return nil, err
		}
		ep := prov.Endpoint()
		ep.AuthStyle = oauth2.AuthStyleInHeader
		return &endpoints{Endpoint: ep, RevokeURL: extra.RevocationEndpoint}, nil
	})
	if err != nil {
		p.logger.WarnContext(ctx, "provider discovery failed", "issuer", p.cfg.Issuer, "error", err)
		return endpoints{}, fmt.Errorf("%w: discover %s: %v", domain.ErrInternal, p.cfg.Issuer, err)
	}
	ep := *v.(*endpoints)

	// Explicit configuration wins over discovered values.
	if p.cfg.AuthorizeURL != "" {
		ep.AuthURL = p.cfg.AuthorizeURL
	}
	if p.cfg.TokenURL != "" {
		ep.TokenURL = p.cfg.TokenURL
	}
	if p.cfg.RevokeURL != "" {
		ep.RevokeURL = p.cfg.RevokeURL
	}

	p.mu.Lock()
	p.endpoints = &ep
	p.mu.Unlock()
	return ep, nil
}

func (p *Provider) oauthConfig(ep endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     ep.Endpoint,
		RedirectURL:  p.cfg.RedirectURI,
		Scopes:       p.cfg.Scopes,
	}
}

// AuthCodeURL builds the authorize URL for state, adding the configured
// login option parameters.
func (p *Provider) AuthCodeURL(ctx context.Context, state string) (string, error) {
	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(p.cfg.AuthParams))
	for k := range p.cfg.AuthParams {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, p.cfg.AuthParams[k]))
	}
	return p.oauthConfig(ep).AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for the provider's token response.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauthConfig(ep).Exchange(ctx, code)
	if err != nil {
		p.metrics.RecordUpstreamCall(observability.UpstreamExchange, "error")
		return nil, fmt.Errorf("exchange code with %s: %w", p.cfg.IDP, err)
	}
	p.metrics.RecordUpstreamCall(observability.UpstreamExchange, "ok")
	return tok, nil
}

// Refresh redeems refreshToken for an access token. expiresIn, when
// positive, is forwarded as the requested lifetime in seconds. Network
// failures and non-2xx answers are domain.ErrInternal; there is no retry.
func (p *Provider) Refresh(ctx context.Context, refreshToken string, expiresIn int) (string, error) {
	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return "", err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if expiresIn > 0 {
		form.Set("expires_in", strconv.Itoa(expiresIn))
	}

	body, status, err := p.postForm(ctx, ep.TokenURL, form)
	if err != nil {
		p.metrics.RecordUpstreamCall(observability.UpstreamRefresh, "error")
		return "", fmt.Errorf("%w: reach %s token endpoint: %v", domain.ErrInternal, p.cfg.IDP, err)
	}
	if status < 200 || status > 299 {
		p.metrics.RecordUpstreamCall(observability.UpstreamRefresh, "error")
		return "", fmt.Errorf("%w: %s token endpoint returned %d: %s", domain.ErrInternal, p.cfg.IDP, status, truncate(body))
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		p.metrics.RecordUpstreamCall(observability.UpstreamRefresh, "error")
		return "", fmt.Errorf("%w: %s token endpoint returned no access_token", domain.ErrInternal, p.cfg.IDP)
	}
	p.metrics.RecordUpstreamCall(observability.UpstreamRefresh, "ok")
	return resp.AccessToken, nil
}

// Revoke asks the provider to revoke token.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	ep, err := p.resolveEndpoints(ctx)
	if err != nil {
		return err
	}
	if ep.RevokeURL == "" {
		return fmt.Errorf("provider %s has no revocation endpoint", p.cfg.IDP)
	}
	body, status, err := p.postForm(ctx, ep.RevokeURL, url.Values{
		"token":           {token},
		"token_type_hint": {"refresh_token"},
	})
	if err != nil {
		p.metrics.RecordUpstreamCall(observability.UpstreamRevoke, "error")
		return fmt.Errorf("revoke with %s: %w", p.cfg.IDP, err)
	}
	if status < 200 || status > 299 {
		p.metrics.RecordUpstreamCall(observability.UpstreamRevoke, "error")
		return fmt.Errorf("revoke with %s: status %d: %s", p.cfg.IDP, status, truncate(body))
	}
	p.metrics.RecordUpstreamCall(observability.UpstreamRevoke, "ok")
	return nil
}

func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
