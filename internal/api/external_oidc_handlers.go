package api

import (
	"net/http"
	"net/url"
)

type loginURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type externalProvider struct {
	IDP     string     `json:"idp"`
	Name    string     `json:"name"`
	BaseURL string     `json:"base_url"`
	URLs    []loginURL `json:"urls"`
	// RefreshTokenExpiration is null when the caller is anonymous or not
	// connected.
	RefreshTokenExpiration *int64 `json:"refresh_token_expiration"`
	IsConnected            bool   `json:"is_connected"`
}

// handleExternalOIDC lists the linked providers and the caller's link state.
// GET /external_oidc/
func (s *Server) handleExternalOIDC(w http.ResponseWriter, r *http.Request) {
	principal, r, err := s.authenticate(r, true)
	ctx := r.Context()
	if err != nil {
		s.logger.InfoContext(ctx, "no logged in user, reporting every provider as disconnected", "error", err)
		principal = nil
	}

	primary := s.deps.Providers.PrimaryIDP()
	providers := []externalProvider{}
	for _, p := range s.deps.Providers.List() {
		if p.IDP() == primary {
			continue
		}
		cfg := p.Config()
		exp, err := s.deps.Exchanger.Expiration(ctx, principal, cfg.IDP)
		if err != nil {
			s.writeDomainErr(ctx, w, err)
			return
		}
		providers = append(providers, externalProvider{
			IDP:     cfg.IDP,
			Name:    cfg.Name,
			BaseURL: cfg.BaseURL,
			URLs: []loginURL{{
				Name: cfg.Name,
				URL:  s.deps.WTSBaseURL + "oauth2/authorization_url?idp=" + url.QueryEscape(cfg.IDP),
			}},
			RefreshTokenExpiration: exp,
			IsConnected:            exp != nil,
		})
	}
	if principal != nil {
		s.logger.DebugContext(ctx, "listed external providers", "username", principal.Username, "count", len(providers))
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}
