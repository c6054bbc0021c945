package auth

import "net/http"

// Principal identifies the user a request acts for.
type Principal struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
	// Source names the resolver that produced the principal.
	Source string `json:"source"`
}

// Resolver sources.
const (
	SourceStatic = "static"
	SourceBearer = "bearer"
	SourcePod    = "k8s"
)

// IdentityResolver derives the caller's identity from a request.
// A nil principal with a nil error means the caller is anonymous.
type IdentityResolver interface {
	Resolve(r *http.Request) (*Principal, error)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(r *http.Request) (*Principal, error)

func (f ResolverFunc) Resolve(r *http.Request) (*Principal, error) { return f(r) }

// StaticResolver always returns the same principal. It backs the "default"
// auth plugin used for local development and tests.
type StaticResolver struct {
	Principal Principal
}

// NewStaticResolver returns a resolver for a fixed user.
func NewStaticResolver(username string) *StaticResolver {
	return &StaticResolver{Principal: Principal{UserID: username, Username: username, Source: SourceStatic}}
}

func (s *StaticResolver) Resolve(*http.Request) (*Principal, error) {
	p := s.Principal
	return &p, nil
}

// ChainResolver returns the first non-nil principal from its resolvers.
// An error from any resolver stops the chain.
type ChainResolver []IdentityResolver

func (c ChainResolver) Resolve(r *http.Request) (*Principal, error) {
	for _, res := range c {
		p, err := res.Resolve(r)
		if err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

// Authenticator combines an optional bearer-token resolver with the ambient
// resolver configured for the deployment.
type Authenticator struct {
	Bearer  *BearerTokenResolver
	Ambient IdentityResolver
}

// Authenticate resolves the caller. When allowBearer is set and the request
// carries a token, the token decides: an invalid one fails with
// domain.ErrAuthN instead of falling through to the ambient identity.
func (a *Authenticator) Authenticate(r *http.Request, allowBearer bool) (*Principal, error) {
	if allowBearer && a.Bearer != nil && HasBearerToken(r) {
		return a.Bearer.Resolve(r)
	}
	if a.Ambient == nil {
		return nil, nil
	}
	return a.Ambient.Resolve(r)
}
