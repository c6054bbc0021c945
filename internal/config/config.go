// Package config loads WTS settings from a config file, the environment and
// a directory of secret files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wts/internal/domain"
)

// Setting keys.
const (
	KeySecretConfig        = "SECRET_CONFIG"
	KeySecretDir           = "SECRET_DIR"
	KeyEncryptionKey       = "ENCRYPTION_KEY"
	KeyWTSBaseURL          = "WTS_BASE_URL"
	KeyFenceBaseURL        = "FENCE_BASE_URL"
	KeyClientID            = "OIDC_CLIENT_ID"
	KeyClientSecret        = "OIDC_CLIENT_SECRET"
	KeyDatabaseURL         = "DATABASE_URL"
	KeySQLiteDSN           = "SQLITE_DSN"
	KeyAuthPlugins         = "AUTH_PLUGINS"
	KeyAggregateEndpoints  = "AGGREGATE_ENDPOINTS"
	KeyAggregateTimeout    = "AGGREGATE_TIMEOUT"
	KeyBearerIssuer        = "BEARER_ISSUER"
	KeyBearerJWKSURL       = "BEARER_JWKS_URL"
	KeyBearerAudience      = "BEARER_AUDIENCE"
	KeySessionCookieSecure = "SESSION_COOKIE_SECURE"
	KeyBasePath            = "BASE_PATH"
	KeyAppVersion          = "APP_VERSION"
	KeyExternalOIDC        = "EXTERNAL_OIDC"
)

// Auth plugin names accepted in AUTH_PLUGINS.
const (
	PluginDefault = "default"
	PluginK8s     = "k8s"
)

// Defaults.
var (
	DefaultAggregateEndpoints = []string{"/authz/mapping", "/user/user"}
	DefaultAggregateTimeout   = 10 * time.Second
	DefaultWTSBaseURL         = "http://localhost:8080/"
)

// ErrMissing reports a required setting that has no value.
var ErrMissing = errors.New("required setting missing")

// LoginOption is one way of logging in at an external provider. Its key in
// LoginOptions is the idp identifier.
type LoginOption struct {
	Name          string            `yaml:"name"`
	Params        map[string]string `yaml:"params"`
	UsernameField string            `yaml:"username_field"`
	StatePrefix   string            `yaml:"state_prefix"`
}

// ExternalOIDC is one linked commons and its login options.
type ExternalOIDC struct {
	BaseURL         string                 `yaml:"base_url"`
	CommonsHostname string                 `yaml:"commons_hostname"`
	ClientID        string                 `yaml:"oidc_client_id"`
	ClientSecret    string                 `yaml:"oidc_client_secret"`
	RedirectURI     string                 `yaml:"redirect_uri"`
	Issuer          string                 `yaml:"issuer"`
	Scope           string                 `yaml:"scope"`
	StatePrefix     string                 `yaml:"state_prefix"`
	LoginOptions    map[string]LoginOption `yaml:"login_options"`
}

// Config is the resolved process configuration.
type Config struct {
	EncryptionKey string

	WTSBaseURL   string
	FenceBaseURL string
	ClientID     string
	ClientSecret string

	DatabaseURL string
	SQLiteDSN   string

	AuthPlugins        []string
	AggregateEndpoints []string
	AggregateTimeout   time.Duration

	BearerIssuer   string
	BearerJWKSURL  string
	BearerAudience string

	SessionCookieSecure bool
	BasePath            string
	AppVersion          string

	ExternalOIDC []ExternalOIDC
}

// Load resolves every setting from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom resolves settings with lookup standing in for the environment.
// For each key the secret directory beats the environment, which beats the
// config file.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	src, err := newSource(lookup)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		EncryptionKey:  src.get(KeyEncryptionKey),
		WTSBaseURL:     withSlash(src.getOr(KeyWTSBaseURL, DefaultWTSBaseURL)),
		FenceBaseURL:   withSlash(src.get(KeyFenceBaseURL)),
		ClientID:       src.get(KeyClientID),
		ClientSecret:   src.get(KeyClientSecret),
		DatabaseURL:    src.get(KeyDatabaseURL),
		SQLiteDSN:      src.get(KeySQLiteDSN),
		AuthPlugins:    splitList(src.getOr(KeyAuthPlugins, PluginK8s)),
		BearerIssuer:   src.get(KeyBearerIssuer),
		BearerJWKSURL:  src.get(KeyBearerJWKSURL),
		BearerAudience: src.get(KeyBearerAudience),
		BasePath:       strings.TrimSuffix(src.get(KeyBasePath), "/"),
		AppVersion:     src.getOr(KeyAppVersion, "dev"),
	}
	if cfg.BearerIssuer == "" && cfg.FenceBaseURL != "" {
		cfg.BearerIssuer = strings.TrimSuffix(cfg.FenceBaseURL, "/")
	}

	cfg.AggregateEndpoints = DefaultAggregateEndpoints
	if raw := src.get(KeyAggregateEndpoints); raw != "" {
		cfg.AggregateEndpoints = nil
		if err := yaml.Unmarshal([]byte(raw), &cfg.AggregateEndpoints); err != nil || len(cfg.AggregateEndpoints) == 0 {
			cfg.AggregateEndpoints = splitList(raw)
		}
	}

	cfg.AggregateTimeout = DefaultAggregateTimeout
	if raw := src.get(KeyAggregateTimeout); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyAggregateTimeout, err)
		}
		cfg.AggregateTimeout = d
	}

	cfg.SessionCookieSecure = strings.HasPrefix(cfg.WTSBaseURL, "https://")
	if raw := src.get(KeySessionCookieSecure); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeySessionCookieSecure, err)
		}
		cfg.SessionCookieSecure = b
	}

	if raw := src.get(KeyExternalOIDC); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &cfg.ExternalOIDC); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyExternalOIDC, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	var missing []string
	if c.EncryptionKey == "" {
		missing = append(missing, KeyEncryptionKey)
	}
	if c.FenceBaseURL == "" {
		missing = append(missing, KeyFenceBaseURL)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	for _, p := range c.AuthPlugins {
		if p != PluginDefault && p != PluginK8s {
			return fmt.Errorf("%s: unknown plugin %q", KeyAuthPlugins, p)
		}
	}
	for i, ext := range c.ExternalOIDC {
		if ext.BaseURL == "" && ext.Issuer == "" {
			return fmt.Errorf("%s[%d]: base_url or issuer is required", KeyExternalOIDC, i)
		}
		for idp := range ext.LoginOptions {
			if idp == domain.DefaultIDP {
				return fmt.Errorf("%s[%d]: idp %q is reserved for the primary provider", KeyExternalOIDC, i, idp)
			}
		}
	}
	return nil
}

// RedirectURI is the callback URL registered with providers.
func (c *Config) RedirectURI() string {
	return c.WTSBaseURL + "oauth2/authorize"
}

// Providers returns the primary provider followed by one provider per
// external login option. Login options of one commons are ordered by idp.
func (c *Config) Providers() []domain.ProviderConfig {
	out := []domain.ProviderConfig{{
		IDP:          domain.DefaultIDP,
		Name:         "Gen3 Fence",
		BaseURL:      c.FenceBaseURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURI:  c.RedirectURI(),
	}}
	for _, ext := range c.ExternalOIDC {
		idps := make([]string, 0, len(ext.LoginOptions))
		for idp := range ext.LoginOptions {
			idps = append(idps, idp)
		}
		slices.Sort(idps)

		redirect := ext.RedirectURI
		if redirect == "" {
			redirect = c.RedirectURI()
		}
		for _, idp := range idps {
			opt := ext.LoginOptions[idp]
			prefix := opt.StatePrefix
			if prefix == "" {
				prefix = ext.StatePrefix
			}
			out = append(out, domain.ProviderConfig{
				IDP:             idp,
				Name:            opt.Name,
				BaseURL:         withSlash(ext.BaseURL),
				CommonsHostname: ext.CommonsHostname,
				ClientID:        ext.ClientID,
				ClientSecret:    ext.ClientSecret,
				Issuer:          ext.Issuer,
				RedirectURI:     redirect,
				Scopes:          strings.Fields(ext.Scope),
				StatePrefix:     prefix,
				UsernameField:   opt.UsernameField,
				AuthParams:      opt.Params,
			})
		}
	}
	return out
}

// source layers the three setting origins.
type source struct {
	lookup    func(string) (string, bool)
	file      map[string]string
	secretDir string
}

func newSource(lookup func(string) (string, bool)) (*source, error) {
	s := &source{lookup: lookup, file: map[string]string{}}
	s.secretDir, _ = lookup(KeySecretDir)

	path := s.get(KeySecretConfig)
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", KeySecretConfig, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range raw {
		str, err := scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: key %s: %w", path, k, err)
		}
		s.file[strings.ToUpper(k)] = str
	}
	return s, nil
}

func (s *source) get(key string) string {
	if s.secretDir != "" {
		if b, err := os.ReadFile(filepath.Join(s.secretDir, key)); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) getOr(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

// scalarString renders file values as the string an env var would hold;
// nested values are re-encoded so they can be decoded per key later.
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, float64:
		return fmt.Sprint(t), nil
	default:
		b, err := yaml.Marshal(t)
		return string(b), err
	}
}

func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func withSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
