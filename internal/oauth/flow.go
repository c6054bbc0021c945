// Package oauth links a user to a provider through the authorization-code
// flow and exchanges stored refresh tokens for access tokens.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"wts/internal/auth"
	"wts/internal/crypto"
	"wts/internal/domain"
	"wts/internal/observability"
	"wts/internal/provider"
	"wts/internal/storage"
)

// Session keys written by Initiate and consumed by Callback.
const (
	SessionState    = "state"
	SessionIDP      = "idp"
	SessionRedirect = "redirect"
)

const stateBytes = 32

// StateMismatchMessage is the reason reported when the callback state does not
// match the one stored at initiation.
const StateMismatchMessage = "could not authorize; state did not match across auth requests"

// Flow runs the authorization-code flow against the configured providers.
type Flow struct {
	providers *provider.Registry
	store     storage.TokenStore
	envelope  *crypto.Envelope
	logger    observability.Logger
}

// NewFlow creates a Flow. A nil logger discards output.
func NewFlow(providers *provider.Registry, store storage.TokenStore, envelope *crypto.Envelope, logger observability.Logger) *Flow {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Flow{providers: providers, store: store, envelope: envelope, logger: logger.WithComponent("oauth")}
}

// CallbackResult describes a completed callback.
type CallbackResult struct {
	IDP      string
	Redirect string
	Username string
}

// Initiate records a new flow in sess and returns the provider's authorize
// URL. An empty idp selects the primary provider. redirect, when set, must
// be a path on this host.
func (f *Flow) Initiate(ctx context.Context, sess *auth.Session, idp, redirect string) (string, error) {
	p, err := f.providers.Resolve(idp)
	if err != nil {
		return "", err
	}
	if redirect != "" {
		if err := checkRedirect(redirect); err != nil {
			return "", err
		}
	}

	state, err := newState(p.Config().StatePrefix)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	authURL, err := p.AuthCodeURL(ctx, state)
	if err != nil {
		return "", err
	}

	sess.Set(SessionState, state)
	sess.Set(SessionIDP, p.IDP())
	if redirect != "" {
		sess.Set(SessionRedirect, redirect)
	} else {
		sess.Pop(SessionRedirect)
	}
	f.logger.InfoContext(ctx, "authorization started", "idp", p.IDP())
	return authURL, nil
}

// Abandon clears a pending flow from sess, as when the provider redirects
// back with an error instead of a code.
func (f *Flow) Abandon(sess *auth.Session) {
	for _, key := range []string{SessionState, SessionIDP, SessionRedirect} {
		sess.Pop(key)
	}
}

// Callback completes the flow started by Initiate. The stored state, idp
// and redirect are removed from sess before anything is checked, so a
// state can be used at most once. principal may be nil, in which case only
// the primary provider can be linked and the identity is taken from its
// tokens.
func (f *Flow) Callback(ctx context.Context, sess *auth.Session, principal *auth.Principal, state, code string) (*CallbackResult, error) {
	expected, _ := sess.Pop(SessionState)
	idp, _ := sess.Pop(SessionIDP)
	redirect, _ := sess.Pop(SessionRedirect)

	if state == "" || expected == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		f.logger.WarnContext(ctx, "authorization state mismatch", "idp", idp)
		return nil, fmt.Errorf("%w: %s", domain.ErrAuth, StateMismatchMessage)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", domain.ErrAuth)
	}

	p, err := f.providers.Resolve(idp)
	if err != nil {
		return nil, err
	}
	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: error in token response: id_token and refresh_token are required", domain.ErrAuth)
	}
	idClaims, err := decodeClaims(rawID)
	if err != nil {
		return nil, err
	}
	refreshClaims, err := decodeClaims(tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	exp, err := refreshClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: refresh token has no exp claim", domain.ErrAuth)
	}
	jti := stringClaim(refreshClaims, "jti")
	if jti == "" {
		jti = uuid.NewString()
		f.logger.WarnContext(ctx, "refresh token has no jti, generated one", "idp", p.IDP(), "jti", jti)
	}

	providerUser, _ := auth.LookupClaim(idClaims, p.Config().UsernameField)

	if principal == nil {
		if p.IDP() != f.providers.PrimaryIDP() {
			return nil, fmt.Errorf("%w: you need to be authenticated to link %s", domain.ErrAuth, p.IDP())
		}
		sub := stringClaim(refreshClaims, "sub")
		if sub == "" {
			sub = stringClaim(idClaims, "sub")
		}
		if sub == "" || providerUser == "" {
			return nil, fmt.Errorf("%w: tokens do not identify a user", domain.ErrAuth)
		}
		principal = &auth.Principal{UserID: sub, Username: providerUser}
	}

	ciphertext, err := f.envelope.Encrypt([]byte(tok.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt refresh token: %v", domain.ErrAuth, err)
	}
	rec := domain.RefreshToken{
		Token:    ciphertext,
		JTI:      jti,
		Username: principal.Username,
		UserID:   principal.UserID,
		IDP:      p.IDP(),
		Expires:  exp.Unix(),
	}
	if err := f.store.Rotate(ctx, principal.UserID, p.IDP(), rec); err != nil {
		f.logger.ErrorContext(ctx, "refresh token rotation failed", "idp", p.IDP(), "username", principal.Username, "error", err)
		return nil, fmt.Errorf("%w: could not store refresh token: %w", domain.ErrAuth, err)
	}

	f.logger.InfoContext(ctx, "provider linked",
		"idp", p.IDP(),
		"username", principal.Username,
		"provider_username", providerUser,
		"jti", jti,
		"expires", time.Unix(rec.Expires, 0).UTC(),
	)
	return &CallbackResult{IDP: p.IDP(), Redirect: redirect, Username: principal.Username}, nil
}

func newState(prefix string) (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	if prefix != "" {
		state = prefix + "-" + state
	}
	return state, nil
}

// checkRedirect accepts only paths on this host.
func checkRedirect(redirect string) error {
	if !strings.HasPrefix(redirect, "/") || strings.HasPrefix(redirect, "//") || strings.HasPrefix(redirect, `/\`) {
		return fmt.Errorf("%w: only support relative redirect", domain.ErrUser)
	}
	u, err := url.Parse(redirect)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fmt.Errorf("%w: only support relative redirect", domain.ErrUser)
	}
	return nil
}
