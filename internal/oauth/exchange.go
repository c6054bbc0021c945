package oauth

import (
	"context"
	"fmt"
	"time"

	"wts/internal/auth"
	"wts/internal/crypto"
	"wts/internal/domain"
	"wts/internal/observability"
	"wts/internal/provider"
	"wts/internal/storage"
)

// Messages returned to callers whose stored link cannot produce a token.
const (
	NoRefreshTokenMessage      = "User doesn't have a refresh token"
	ExpiredRefreshTokenMessage = "your refresh token is expired, please login again"
	unauthenticatedMessage     = "You need to be authenticated to use this resource"
)

// Exchanger turns stored refresh tokens into access tokens.
type Exchanger struct {
	providers *provider.Registry
	store     storage.TokenStore
	envelope  *crypto.Envelope
	logger    observability.Logger
	now       func() time.Time
}

// NewExchanger creates an Exchanger. A nil logger discards output.
func NewExchanger(providers *provider.Registry, store storage.TokenStore, envelope *crypto.Envelope, logger observability.Logger) *Exchanger {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Exchanger{
		providers: providers,
		store:     store,
		envelope:  envelope,
		logger:    logger.WithComponent("exchange"),
		now:       time.Now,
	}
}

// AccessToken returns a fresh access token for the caller at idp. The
// provider is resolved before the store is touched, so an unknown idp
// fails with domain.ErrUnconfiguredProvider and nothing else happens.
// expiresIn, when positive, is the requested token lifetime in seconds.
func (e *Exchanger) AccessToken(ctx context.Context, principal *auth.Principal, idp string, expiresIn int) (string, error) {
	p, err := e.providers.Resolve(idp)
	if err != nil {
		return "", err
	}
	if principal == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrAuth, unauthenticatedMessage)
	}

	rec, err := e.store.FindLatest(ctx, principal.Username, p.IDP())
	if err != nil {
		return "", fmt.Errorf("find refresh token: %w", err)
	}
	if rec == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrAuth, NoRefreshTokenMessage)
	}
	if !rec.ValidAt(e.now()) {
		return "", fmt.Errorf("%w: %s", domain.ErrAuth, ExpiredRefreshTokenMessage)
	}
	return e.redeem(ctx, p, *rec, expiresIn)
}

// AccessTokenAsync redeems an already loaded record. Failures are logged
// and reported as false so one provider cannot abort a fan-out.
func (e *Exchanger) AccessTokenAsync(ctx context.Context, rec domain.RefreshToken) (string, bool) {
	p, err := e.providers.Resolve(rec.IDP)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping token for unconfigured provider", "idp", rec.IDP, "jti", rec.JTI)
		return "", false
	}
	if !rec.ValidAt(e.now()) {
		e.logger.InfoContext(ctx, "skipping expired refresh token", "idp", rec.IDP, "jti", rec.JTI)
		return "", false
	}
	token, err := e.redeem(ctx, p, rec, 0)
	if err != nil {
		e.logger.WarnContext(ctx, "access token exchange failed", "idp", rec.IDP, "jti", rec.JTI, "error", err)
		return "", false
	}
	return token, true
}

func (e *Exchanger) redeem(ctx context.Context, p *provider.Provider, rec domain.RefreshToken, expiresIn int) (string, error) {
	plain, err := e.envelope.Decrypt(rec.Token)
	if err != nil {
		e.logger.ErrorContext(ctx, "stored refresh token cannot be decrypted", "idp", rec.IDP, "jti", rec.JTI, "error", err)
		return "", fmt.Errorf("%w: stored refresh token is unusable, please login again: %w", domain.ErrAuth, err)
	}
	return p.Refresh(ctx, string(plain), expiresIn)
}

// Connected reports whether the caller holds a valid refresh token for idp.
func (e *Exchanger) Connected(ctx context.Context, principal *auth.Principal, idp string) (bool, error) {
	p, err := e.providers.Resolve(idp)
	if err != nil {
		return false, err
	}
	if principal == nil {
		return false, nil
	}
	return e.store.IsValid(ctx, principal.Username, p.IDP(), e.now())
}

// Expiration returns the expiry of the caller's valid refresh token for
// idp, or nil when the caller is anonymous or not connected.
func (e *Exchanger) Expiration(ctx context.Context, principal *auth.Principal, idp string) (*int64, error) {
	if principal == nil {
		return nil, nil
	}
	rec, err := e.store.FindLatest(ctx, principal.Username, idp)
	if err != nil || rec == nil || !rec.ValidAt(e.now()) {
		return nil, err
	}
	exp := rec.Expires
	return &exp, nil
}

// Revoke revokes token at idp. Without a token the caller's latest stored
// refresh token is revoked instead. Any failure is domain.ErrUser.
func (e *Exchanger) Revoke(ctx context.Context, principal *auth.Principal, idp, token string) error {
	p, err := e.providers.Resolve(idp)
	if err != nil {
		return err
	}
	if token == "" {
		if principal == nil {
			return fmt.Errorf("%w: no token to revoke", domain.ErrUser)
		}
		rec, err := e.store.FindLatest(ctx, principal.Username, p.IDP())
		if err != nil {
			return fmt.Errorf("find refresh token: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("%w: no token to revoke", domain.ErrUser)
		}
		plain, err := e.envelope.Decrypt(rec.Token)
		if err != nil {
			return fmt.Errorf("%w: stored refresh token is unusable: %w", domain.ErrUser, err)
		}
		token = string(plain)
	}

	if err := p.Revoke(ctx, token); err != nil {
		e.logger.WarnContext(ctx, "token revocation failed", "idp", p.IDP(), "error", err)
		return fmt.Errorf("%w: could not log out, failed to revoke token: %v", domain.ErrUser, err)
	}
	e.logger.InfoContext(ctx, "token revoked", "idp", p.IDP())
	return nil
}
