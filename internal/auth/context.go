package auth

import "context"

type contextKey string

const principalContextKey contextKey = "principal"

// ContextWithPrincipal returns a new context with the principal stored in it.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the principal from the context.
// Returns nil for anonymous requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}
