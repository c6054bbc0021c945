package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"wts/internal/auth"
	"wts/internal/auth/oidctest"
	"wts/internal/domain"
)

func TestStaticResolver(t *testing.T) {
	r := auth.NewStaticResolver("test")
	p, err := r.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, &auth.Principal{UserID: "test", Username: "test", Source: auth.SourceStatic}, p)

	p.Username = "changed"
	again, _ := r.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "test", again.Username)
}

func TestChainResolver(t *testing.T) {
	anon := auth.ResolverFunc(func(*http.Request) (*auth.Principal, error) { return nil, nil })
	boom := auth.ResolverFunc(func(*http.Request) (*auth.Principal, error) { return nil, errors.New("boom") })
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	p, err := auth.ChainResolver{anon, auth.NewStaticResolver("bob")}.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Username)

	_, err = auth.ChainResolver{boom, auth.NewStaticResolver("bob")}.Resolve(req)
	assert.EqualError(t, err, "boom")

	p, err = auth.ChainResolver{anon}.Resolve(req)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, auth.BearerToken(req))

	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", auth.BearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, auth.BearerToken(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", auth.BearerToken(req))
	assert.True(t, auth.HasBearerToken(req))
}

func newBearer(t *testing.T, idp *oidctest.Server) *auth.BearerTokenResolver {
	t.Helper()
	b, err := auth.NewBearerTokenResolver(context.Background(), auth.BearerConfig{
		Issuer:   idp.Issuer(),
		JWKSURL:  idp.JWKSURL(),
		Audience: oidctest.ClientID,
	})
	require.NoError(t, err)
	return b
}

func TestBearerTokenResolver(t *testing.T) {
	idp := oidctest.New(t)
	b := newBearer(t, idp)

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/token/", nil)
		req.Header.Set("Authorization", "Bearer "+idp.Sign(t, idp.AccessTokenClaims("12", "alice", time.Hour)))

		p, err := b.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, &auth.Principal{UserID: "12", Username: "alice", Source: auth.SourceBearer}, p)
	})

	t.Run("no token is anonymous", func(t *testing.T) {
		p, err := b.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("expired token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+idp.Sign(t, idp.AccessTokenClaims("12", "alice", -time.Minute)))
		_, err := b.Resolve(req)
		assert.ErrorIs(t, err, domain.ErrAuthN)
	})

	t.Run("unknown signing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+oidctest.SignWithForeignKey(t, idp.AccessTokenClaims("12", "alice", time.Hour)))
		_, err := b.Resolve(req)
		assert.ErrorIs(t, err, domain.ErrAuthN)
	})

	t.Run("garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		_, err := b.Resolve(req)
		assert.ErrorIs(t, err, domain.ErrAuthN)
	})

	t.Run("username falls back to sub", func(t *testing.T) {
		claims := idp.AccessTokenClaims("99", "", time.Hour)
		delete(claims, "context")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: idp.Sign(t, claims)})
		p, err := b.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "99", p.Username)
	})
}

func TestNewBearerTokenResolverRequiresIssuer(t *testing.T) {
	_, err := auth.NewBearerTokenResolver(context.Background(), auth.BearerConfig{})
	assert.Error(t, err)
}

func TestAuthenticator(t *testing.T) {
	idp := oidctest.New(t)
	a := &auth.Authenticator{Bearer: newBearer(t, idp), Ambient: auth.NewStaticResolver("ambient")}

	withToken := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+idp.Sign(t, idp.AccessTokenClaims("7", "bearer-user", time.Hour)))
		return req
	}

	p, err := a.Authenticate(withToken(), true)
	require.NoError(t, err)
	assert.Equal(t, "bearer-user", p.Username)

	p, err = a.Authenticate(withToken(), false)
	require.NoError(t, err)
	assert.Equal(t, "ambient", p.Username, "bearer ignored when not allowed")

	p, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), true)
	require.NoError(t, err)
	assert.Equal(t, "ambient", p.Username, "no token falls back to ambient")

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	_, err = a.Authenticate(bad, true)
	assert.ErrorIs(t, err, domain.ErrAuthN)

	p, err = (&auth.Authenticator{}).Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), true)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func pod(name, ip string, annotations map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "jupyter-pods", Annotations: annotations},
		Status:     corev1.PodStatus{PodIP: ip},
	}
}

func requestFrom(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/token/", nil)
	req.RemoteAddr = ip + ":43122"
	return req
}

func TestPodAnnotationResolver(t *testing.T) {
	client := fake.NewClientset(
		pod("both", "10.0.0.1", map[string]string{
			auth.JupyterPodAnnotation:  "jupyter-user",
			auth.PodUsernameAnnotation: "gen3-user",
		}),
		pod("jupyter", "10.0.0.2", map[string]string{auth.JupyterPodAnnotation: "jupyter-only"}),
		pod("plain", "10.0.0.3", nil),
	)
	r := auth.NewPodAnnotationResolver(client)

	p, err := r.Resolve(requestFrom("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, &auth.Principal{UserID: "gen3-user", Username: "gen3-user", Source: auth.SourcePod}, p)

	p, err = r.Resolve(requestFrom("10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, "jupyter-only", p.Username)

	for _, ip := range []string{"10.0.0.3", "10.9.9.9"} {
		p, err = r.Resolve(requestFrom(ip))
		require.NoError(t, err)
		assert.Nil(t, p, ip)
	}
}

func TestPodAnnotationResolverListError(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver down")
	})
	_, err := auth.NewPodAnnotationResolver(client).Resolve(requestFrom("10.0.0.1"))
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, auth.PrincipalFromContext(ctx))
	assert.Equal(t, ctx, auth.ContextWithPrincipal(ctx, nil))

	p := &auth.Principal{UserID: "1", Username: "u"}
	assert.Same(t, p, auth.PrincipalFromContext(auth.ContextWithPrincipal(ctx, p)))
}
