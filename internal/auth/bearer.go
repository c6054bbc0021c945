package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"wts/internal/domain"
)

// AccessTokenCookie is the cookie the primary provider sets for browser
// clients. It is read when no Authorization header is present.
const AccessTokenCookie = "access_token"

// BearerConfig configures bearer-token verification.
type BearerConfig struct {
	// Issuer is the expected "iss" claim, normally the primary provider's
	// user endpoint.
	Issuer string
	// JWKSURL defaults to Issuer + "/.well-known/jwks".
	JWKSURL string
	// Audience is checked when set.
	Audience string
	// UsernameClaim is a dotted claim path (default context.user.name).
	UsernameClaim string
	// HTTPClient is used to fetch keys.
	HTTPClient *http.Client
}

// BearerTokenResolver verifies access tokens issued by the primary provider.
type BearerTokenResolver struct {
	verifier      *gooidc.IDTokenVerifier
	usernameClaim string
}

// NewBearerTokenResolver builds a verifier over a remote key set. ctx must
// outlive the resolver; keys are fetched lazily with it.
func NewBearerTokenResolver(ctx context.Context, cfg BearerConfig) (*BearerTokenResolver, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("bearer issuer is required")
	}
	jwks := cfg.JWKSURL
	if jwks == "" {
		jwks = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks"
	}
	if cfg.HTTPClient != nil {
		ctx = gooidc.ClientContext(ctx, cfg.HTTPClient)
	}
	keySet := gooidc.NewRemoteKeySet(ctx, jwks)
	verifier := gooidc.NewVerifier(cfg.Issuer, keySet, &gooidc.Config{
		ClientID:          cfg.Audience,
		SkipClientIDCheck: cfg.Audience == "",
	})

	claim := cfg.UsernameClaim
	if claim == "" {
		claim = domain.DefaultUsernameField
	}
	return &BearerTokenResolver{verifier: verifier, usernameClaim: claim}, nil
}

// BearerToken extracts the token from the Authorization header or the
// access_token cookie.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// HasBearerToken reports whether the request carries a token to verify.
func HasBearerToken(r *http.Request) bool {
	return BearerToken(r) != ""
}

// Resolve verifies the request's token. A request without a token is
// anonymous; a token that fails verification is domain.ErrAuthN.
func (b *BearerTokenResolver) Resolve(r *http.Request) (*Principal, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, nil
	}
	tok, err := b.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid access token: %v", domain.ErrAuthN, err)
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", domain.ErrAuthN, err)
	}
	username, ok := LookupClaim(claims, b.usernameClaim)
	if !ok {
		username = tok.Subject
	}
	return &Principal{UserID: tok.Subject, Username: username, Source: SourceBearer}, nil
}
