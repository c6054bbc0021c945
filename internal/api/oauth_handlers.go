package api

import (
	"errors"
	"fmt"
	"net/http"

	"wts/internal/domain"
)

// handleAuthorizationURL starts linking the caller to a provider.
// GET /oauth2/authorization_url?idp=&redirect=
func (s *Server) handleAuthorizationURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	sess, err := s.loadSession(r)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", fmt.Sprintf("load session: %v", err))
		return
	}
	authURL, err := s.deps.Flow.Initiate(ctx, sess, q.Get("idp"), q.Get("redirect"))
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	if err := s.saveSession(w, r, sess); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", fmt.Sprintf("save session: %v", err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthorize is the redirect target registered with every provider.
// GET /oauth2/authorize?state=&code=
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	sess, err := s.loadSession(r)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", fmt.Sprintf("load session: %v", err))
		return
	}
	if msg := q.Get("error"); msg != "" {
		s.deps.Flow.Abandon(sess)
		if err := s.saveSession(w, r, sess); err != nil {
			s.logger.WarnContext(ctx, "save session after provider error", "error", err)
		}
		s.writeErr(ctx, w, http.StatusBadRequest, "authorization failed at the provider: "+msg, q.Get("error_description"))
		return
	}
	principal, r, err := s.authenticate(r, true)
	if err != nil && errors.Is(err, domain.ErrAuthN) {
		s.writeDomainErr(ctx, w, err)
		return
	}
	if err != nil {
		s.logger.WarnContext(ctx, "caller identity unavailable, linking from provider tokens", "error", err)
		principal = nil
	}
	ctx = r.Context()

	res, cbErr := s.deps.Flow.Callback(ctx, sess, principal, q.Get("state"), q.Get("code"))
	// The callback consumed the flow values whatever the outcome.
	if err := s.saveSession(w, r, sess); err != nil {
		s.logger.WarnContext(ctx, "save session after callback", "error", err)
	}
	if cbErr != nil {
		s.writeDomainErr(ctx, w, cbErr)
		return
	}
	if res.Redirect != "" {
		http.Redirect(w, r, res.Redirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "connected with " + res.IDP})
}

// handleConnected answers whether the caller holds a valid refresh token.
// GET /oauth2/connected?idp=
func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	principal, r, err := s.authenticate(r, true)
	ctx := r.Context()
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	ok, err := s.deps.Exchanger.Connected(ctx, principal, r.URL.Query().Get("idp"))
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, apiError{Error: "not connected"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLogout revokes a refresh token at the provider.
// GET|POST /oauth2/logout?idp=&token=
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, r, err := s.authenticate(r, true)
	ctx := r.Context()
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid form", err.Error())
		return
	}
	if err := s.deps.Exchanger.Revoke(ctx, principal, r.FormValue("idp"), r.FormValue("token")); err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
