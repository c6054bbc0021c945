package domain

import (
	"net/url"
	"strings"
)

// DefaultIDP is the identifier of the primary provider.
const DefaultIDP = "default"

// DefaultUsernameField is the claim path holding the username in tokens
// issued by the primary provider.
const DefaultUsernameField = "context.user.name"

// DefaultScopes are requested when a provider does not configure its own.
var DefaultScopes = []string{"openid", "data", "user"}

// ProviderConfig is the OAuth2 client configuration of one provider.
type ProviderConfig struct {
	IDP             string            `json:"idp" yaml:"idp"`
	Name            string            `json:"name" yaml:"name"`
	BaseURL         string            `json:"base_url" yaml:"base_url"`
	CommonsHostname string            `json:"commons_hostname" yaml:"commons_hostname"`
	ClientID        string            `json:"client_id" yaml:"client_id"`
	ClientSecret    string            `json:"-" yaml:"client_secret"`
	Issuer          string            `json:"issuer,omitempty" yaml:"issuer"`
	AuthorizeURL    string            `json:"authorize_url,omitempty" yaml:"authorize_url"`
	TokenURL        string            `json:"token_url,omitempty" yaml:"token_url"`
	RevokeURL       string            `json:"revoke_url,omitempty" yaml:"revoke_url"`
	RedirectURI     string            `json:"redirect_uri" yaml:"redirect_uri"`
	Scopes          []string          `json:"scopes" yaml:"scopes"`
	StatePrefix     string            `json:"state_prefix,omitempty" yaml:"state_prefix"`
	UsernameField   string            `json:"username_field,omitempty" yaml:"username_field"`
	AuthParams      map[string]string `json:"auth_params,omitempty" yaml:"auth_params"`
}

// WithDefaults fills the derived fields: endpoints relative to BaseURL,
// the commons hostname, scopes and the username claim path.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	base := c.BaseURL
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if c.Issuer == "" && base != "" {
		if c.AuthorizeURL == "" {
			c.AuthorizeURL = base + "oauth2/authorize"
		}
		if c.TokenURL == "" {
			c.TokenURL = base + "oauth2/token"
		}
		if c.RevokeURL == "" {
			c.RevokeURL = base + "oauth2/revoke"
		}
	}
	if c.CommonsHostname == "" && c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err == nil {
			c.CommonsHostname = u.Host
		}
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.UsernameField == "" {
		c.UsernameField = DefaultUsernameField
	}
	if c.Name == "" {
		c.Name = c.IDP
	}
	return c
}
