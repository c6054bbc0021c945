package api

import (
	"net/http"
	"strconv"

	"wts/internal/aggregate"
)

// handleToken exchanges the caller's refresh token for an access token.
// Bearer tokens are only accepted for linked providers, never for the
// primary one, so a primary access token cannot mint another.
// GET /token/?idp=&expires=
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idp := q.Get("idp")
	if idp == "" {
		idp = s.deps.Providers.PrimaryIDP()
	}

	principal, r, err := s.authenticate(r, idp != s.deps.Providers.PrimaryIDP())
	ctx := r.Context()
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}

	var expires int
	if raw := q.Get("expires"); raw != "" {
		expires, err = strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "expires has to be an integer"})
			return
		}
	}

	token, err := s.deps.Exchanger.AccessToken(ctx, principal, idp, expires)
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleAggregate fans a GET out to every commons the caller is linked to.
// GET /aggregate/{endpoint...}?filters=
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	principal, r, err := s.authenticate(r, true)
	ctx := r.Context()
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	q := r.URL.Query()
	out, err := s.deps.Aggregator.Aggregate(ctx, aggregate.Request{
		Endpoint:  r.PathValue("endpoint"),
		Principal: principal,
		Filters:   q[aggregate.FiltersParam],
		Query:     q,
	})
	if err != nil {
		s.writeDomainErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
