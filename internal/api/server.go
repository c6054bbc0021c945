// Package api exposes the broker over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"wts/internal/aggregate"
	"wts/internal/auth"
	"wts/internal/domain"
	"wts/internal/oauth"
	"wts/internal/observability"
	"wts/internal/provider"
	"wts/internal/storage"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Providers  *provider.Registry
	Store      storage.TokenStore
	Sessions   auth.SessionStore
	Flow       *oauth.Flow
	Exchanger  *oauth.Exchanger
	Aggregator *aggregate.Aggregator
	Auth       *auth.Authenticator

	// WTSBaseURL is the public URL of this service, with a trailing slash.
	WTSBaseURL string
	// BasePath prefixes every route, e.g. "/wts".
	BasePath     string
	CookieSecure bool

	Logger  observability.Logger
	Metrics *observability.Metrics
}

type Server struct {
	mux  *http.ServeMux
	deps Deps

	logger  observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a server that registers its routes on mux.
// If Deps.Logger is nil, output is discarded.
// If Deps.Metrics is nil, metrics collection is disabled.
func NewServer(mux *http.ServeMux, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	if deps.Auth == nil {
		deps.Auth = &auth.Authenticator{}
	}
	deps.BasePath = "/" + strings.Trim(deps.BasePath, "/")
	if deps.BasePath == "/" {
		deps.BasePath = ""
	}
	return &Server{mux: mux, deps: deps, logger: logger.WithComponent("api"), metrics: deps.Metrics}
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	principal := auth.PrincipalFromContext(ctx)
	if principal != nil {
		fields = append(fields, "username", principal.Username)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.WithScope(func(scope *sentry.Scope) {
			if principal != nil {
				scope.SetUser(sentry.User{ID: principal.UserID, Username: principal.Username})
			}
			hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
		})
		// 5xx details stay in the log.
		detail = ""
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// writeDomainErr maps an error from the broker components to an HTTP status
// using errors.Is against the domain and storage sentinels.
func (s *Server) writeDomainErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnconfiguredProvider), errors.Is(err, domain.ErrUser):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, domain.ErrAuthN):
		s.writeErr(ctx, w, http.StatusUnauthorized, err.Error(), "")
	case errors.Is(err, domain.ErrAuth):
		s.writeErr(ctx, w, http.StatusForbidden, err.Error(), "")
	case errors.Is(err, domain.ErrNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, storage.ErrConflict):
		s.writeErr(ctx, w, http.StatusConflict, err.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (s *Server) path(p string) string {
	return s.deps.BasePath + p
}

// RegisterRoutes registers every route under the configured base path.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("GET "+s.path("/oauth2/authorization_url"), s.handleAuthorizationURL)
	s.mux.HandleFunc("GET "+s.path("/oauth2/authorize"), s.handleAuthorize)
	s.mux.HandleFunc("GET "+s.path("/oauth2/connected"), s.handleConnected)
	s.mux.HandleFunc("GET "+s.path("/oauth2/logout"), s.handleLogout)
	s.mux.HandleFunc("POST "+s.path("/oauth2/logout"), s.handleLogout)

	s.mux.HandleFunc("GET "+s.path("/token"), s.handleToken)
	s.mux.HandleFunc("GET "+s.path("/token/"), s.handleToken)

	s.mux.HandleFunc("GET "+s.path("/aggregate/{endpoint...}"), s.handleAggregate)

	s.mux.HandleFunc("GET "+s.path("/external_oidc"), s.handleExternalOIDC)
	s.mux.HandleFunc("GET "+s.path("/external_oidc/"), s.handleExternalOIDC)

	s.mux.HandleFunc("GET "+s.path("/_status"), s.handleStatus)
	if s.metrics != nil {
		s.mux.Handle("GET "+s.path("/metrics"), s.metrics.Handler())
	}
	s.mux.HandleFunc("GET "+s.path("/{$}"), s.handleIndex)
}

// authenticate resolves the caller and stores it on the request context.
func (s *Server) authenticate(r *http.Request, allowBearer bool) (*auth.Principal, *http.Request, error) {
	p, err := s.deps.Auth.Authenticate(r, allowBearer)
	if err != nil {
		return nil, r, err
	}
	if p != nil {
		r = r.WithContext(auth.ContextWithPrincipal(r.Context(), p))
	}
	return p, r, nil
}
