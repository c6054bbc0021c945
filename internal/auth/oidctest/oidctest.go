// Package oidctest runs an in-process identity provider shaped like the
// primary provider: discovery, JWKS, token, and revoke endpoints under
// /user/, with RS256 tokens signed by a per-server key.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// KeyID is the kid header of every token the server signs.
const KeyID = "test-key-1"

// Client credentials the server accepts on its token endpoint.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
)

// Server is a mock provider. The zero value is not usable; call New.
type Server struct {
	*httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]map[string]any
	refreshStatus int
	refreshes     []url.Values
	revoked       []string
	tokenCalls    int
}

// New starts a provider and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	s := &Server{key: key, codes: make(map[string]map[string]any)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.discovery)
	mux.HandleFunc("GET /user/.well-known/jwks", s.jwks)
	mux.HandleFunc("POST /user/oauth2/token", s.token)
	mux.HandleFunc("POST /user/oauth2/revoke", s.revoke)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the provider base URL, ending in "/user/".
func (s *Server) BaseURL() string { return s.URL + "/user/" }

// Issuer is the iss claim of every token the server signs.
func (s *Server) Issuer() string { return s.URL + "/user" }

// JWKSURL serves the public half of the signing key.
func (s *Server) JWKSURL() string { return s.URL + "/user/.well-known/jwks" }

func (s *Server) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/user/oauth2/authorize",
		"token_endpoint":                        s.URL + "/user/oauth2/token",
		"revocation_endpoint":                   s.URL + "/user/oauth2/revoke",
		"jwks_uri":                              s.JWKSURL(),
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
	})
}

func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

// Sign returns a compact RS256 JWT carrying claims.
func (s *Server) Sign(t testing.TB, claims map[string]any) string {
	t.Helper()
	return signWith(t, s.key, KeyID, claims)
}

// SignWithForeignKey signs claims with a key the server does not publish.
func SignWithForeignKey(t testing.TB, claims map[string]any) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return signWith(t, key, KeyID, claims)
}

func signWith(t testing.TB, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, opts)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

// AccessTokenClaims builds claims for an access token of the given user in
// the primary provider's layout.
func (s *Server) AccessTokenClaims(sub, username string, ttl time.Duration) map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":     s.Issuer(),
		"sub":     sub,
		"aud":     []string{ClientID},
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"jti":     uuid.NewString(),
		"context": map[string]any{"user": map[string]any{"name": username}},
	}
}

// Grant describes the tokens returned for one authorization code.
type Grant struct {
	Subject  string
	Username string
	// RefreshExpires is the refresh token's exp; zero omits the claim.
	RefreshExpires time.Time
	// RefreshJTI defaults to a random UUID; "-" omits the claim.
	RefreshJTI string
	// OmitIDToken and OmitRefreshToken drop those fields from the response.
	OmitIDToken      bool
	OmitRefreshToken bool
}

// IssueCode registers code so that exchanging it returns tokens built from
// g. It returns the refresh token the provider will hand out.
func (s *Server) IssueCode(t testing.TB, code string, g Grant) string {
	t.Helper()
	now := time.Now()
	resp := map[string]any{
		"access_token": s.Sign(t, s.AccessTokenClaims(g.Subject, g.Username, time.Hour)),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !g.OmitIDToken {
		resp["id_token"] = s.Sign(t, s.AccessTokenClaims(g.Subject, g.Username, time.Hour))
	}
	var refresh string
	if !g.OmitRefreshToken {
		claims := map[string]any{
			"iss": s.Issuer(),
			"sub": g.Subject,
			"iat": now.Unix(),
			"aud": []string{ClientID},
		}
		if !g.RefreshExpires.IsZero() {
			claims["exp"] = g.RefreshExpires.Unix()
		}
		switch g.RefreshJTI {
		case "":
			claims["jti"] = uuid.NewString()
		case "-":
		default:
			claims["jti"] = g.RefreshJTI
		}
		refresh = s.Sign(t, claims)
		resp["refresh_token"] = refresh
	}

	s.mu.Lock()
	s.codes[code] = resp
	s.mu.Unlock()
	return refresh
}

// FailRefresh makes refresh grants answer with status; 0 restores success.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	s.refreshStatus = status
	s.mu.Unlock()
}

// Refreshes returns the forms of all refresh grants received so far.
func (s *Server) Refreshes() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.refreshes...)
}

// Revoked returns every token posted to the revoke endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// TokenCalls counts requests to the token endpoint.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

func (s *Server) authorized(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == ClientID && secret == ClientSecret
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCalls++

	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		resp, ok := s.codes[r.PostForm.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		delete(s.codes, r.PostForm.Get("code"))
		writeJSON(w, http.StatusOK, resp)
	case "refresh_token":
		s.refreshes = append(s.refreshes, r.PostForm)
		if s.refreshStatus != 0 && s.refreshStatus != http.StatusOK {
			writeJSON(w, s.refreshStatus, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("access-%d", len(s.refreshes)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.revoked = append(s.revoked, r.PostForm.Get("token"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
