package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wts/internal/auth"
	"wts/internal/auth/oidctest"
	"wts/internal/crypto"
	"wts/internal/domain"
	"wts/internal/provider"
	"wts/internal/storage"
)

// countingStore records how often the store is consulted.
type countingStore struct {
	storage.TokenStore
	calls atomic.Int64
}

func (c *countingStore) FindLatest(ctx context.Context, username, idp string) (*domain.RefreshToken, error) {
	c.calls.Add(1)
	return c.TokenStore.FindLatest(ctx, username, idp)
}

func (c *countingStore) Rotate(ctx context.Context, userID, idp string, rec domain.RefreshToken) error {
	c.calls.Add(1)
	return c.TokenStore.Rotate(ctx, userID, idp, rec)
}

type fixture struct {
	idp      *oidctest.Server
	store    *countingStore
	envelope *crypto.Envelope
	flow     *Flow
	ex       *Exchanger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idp := oidctest.New(t)
	cfg := func(id, prefix string) domain.ProviderConfig {
		return domain.ProviderConfig{
			IDP:          id,
			BaseURL:      idp.BaseURL(),
			ClientID:     oidctest.ClientID,
			ClientSecret: oidctest.ClientSecret,
			RedirectURI:  "https://wts.example.org/oauth2/authorize",
			StatePrefix:  prefix,
		}
	}
	reg, err := provider.NewRegistry(domain.DefaultIDP, []domain.ProviderConfig{cfg("default", ""), cfg("idp_a", "commons-a")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	hexKey, _ := crypto.GenerateKey()
	key, _ := crypto.ParseKey(hexKey)
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		t.Fatal(err)
	}
	store := &countingStore{TokenStore: storage.NewMemoryTokenStore()}
	return &fixture{
		idp:      idp,
		store:    store,
		envelope: env,
		flow:     NewFlow(reg, store, env, nil),
		ex:       NewExchanger(reg, store, env, nil),
	}
}

func newSession(t *testing.T) *auth.Session {
	t.Helper()
	s, err := auth.NewSession(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

var alice = &auth.Principal{UserID: "1", Username: "alice"}

// link runs a full flow for idp and returns the refresh token handed out.
func (f *fixture) link(t *testing.T, principal *auth.Principal, idp string, g oidctest.Grant) string {
	t.Helper()
	sess := newSession(t)
	if _, err := f.flow.Initiate(context.Background(), sess, idp, ""); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	code := "code-" + sess.Get(SessionState)
	refresh := f.idp.IssueCode(t, code, g)
	if _, err := f.flow.Callback(context.Background(), sess, principal, sess.Get(SessionState), code); err != nil {
		t.Fatalf("Callback: %v", err)
	}
	return refresh
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t)

	raw, err := f.flow.Initiate(context.Background(), sess, "idp_a", "/dashboard?tab=1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	state := sess.Get(SessionState)
	if !strings.HasPrefix(state, "commons-a-") {
		t.Errorf("state %q lacks prefix", state)
	}
	if len(strings.TrimPrefix(state, "commons-a-")) != 43 {
		t.Errorf("state body should be 32 base64url bytes: %q", state)
	}
	if sess.Get(SessionIDP) != "idp_a" || sess.Get(SessionRedirect) != "/dashboard?tab=1" {
		t.Errorf("session values = %v", sess.Values)
	}
	u, _ := url.Parse(raw)
	if u.Query().Get("state") != state {
		t.Errorf("authorize URL state = %q", u.Query().Get("state"))
	}

	other := newSession(t)
	if _, err := f.flow.Initiate(context.Background(), other, "", ""); err != nil {
		t.Fatal(err)
	}
	if other.Get(SessionIDP) != domain.DefaultIDP {
		t.Errorf("empty idp should select primary, got %q", other.Get(SessionIDP))
	}
	if other.Get(SessionState) == state {
		t.Error("states must differ")
	}
}

func TestInitiateRejects(t *testing.T) {
	f := newFixture(t)
	for _, redirect := range []string{
		"https://evil.example/",
		"//evil.example",
		`/\evil.example`,
		"relative/path",
		"javascript:alert(1)",
	} {
		sess := newSession(t)
		_, err := f.flow.Initiate(context.Background(), sess, "", redirect)
		if !errors.Is(err, domain.ErrUser) {
			t.Errorf("redirect %q: err = %v, want ErrUser", redirect, err)
		}
		if sess.Get(SessionState) != "" {
			t.Errorf("redirect %q: state should not be stored", redirect)
		}
	}

	_, err := f.flow.Initiate(context.Background(), newSession(t), "bogus", "")
	if !errors.Is(err, domain.ErrUnconfiguredProvider) {
		t.Errorf("bogus idp: err = %v", err)
	}
}

func TestCallbackLinksProvider(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t)
	if _, err := f.flow.Initiate(context.Background(), sess, "idp_a", "/back"); err != nil {
		t.Fatal(err)
	}
	exp := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	refresh := f.idp.IssueCode(t, "abc", oidctest.Grant{Subject: "77", Username: "alice@other", RefreshExpires: exp, RefreshJTI: "jti-1"})

	res, err := f.flow.Callback(context.Background(), sess, alice, sess.Get(SessionState), "abc")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if res.IDP != "idp_a" || res.Redirect != "/back" || res.Username != "alice" {
		t.Errorf("result = %+v", res)
	}
	if len(sess.Values) != 0 {
		t.Errorf("session should be drained, got %v", sess.Values)
	}

	rec, err := f.store.FindLatest(context.Background(), "alice", "idp_a")
	if err != nil || rec == nil {
		t.Fatalf("FindLatest: %v, %v", rec, err)
	}
	if rec.JTI != "jti-1" || rec.UserID != "1" || rec.Expires != exp.Unix() {
		t.Errorf("record = %+v", rec)
	}
	if rec.Token == refresh {
		t.Fatal("refresh token stored in plaintext")
	}
	plain, err := f.envelope.Decrypt(rec.Token)
	if err != nil || string(plain) != refresh {
		t.Errorf("decrypted token mismatch: %v", err)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	f := newFixture(t)
	sess := newSession(t)
	sess.Set(SessionState, "abc")
	sess.Set(SessionIDP, "default")
	f.idp.IssueCode(t, "code", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour)})

	_, err := f.flow.Callback(context.Background(), sess, alice, "xyz", "code")
	if !errors.Is(err, domain.ErrAuth) || !strings.Contains(err.Error(), StateMismatchMessage) {
		t.Fatalf("err = %v", err)
	}
	if f.store.calls.Load() != 0 {
		t.Error("store must not be touched on state mismatch")
	}
	if f.idp.TokenCalls() != 0 {
		t.Error("provider must not be called on state mismatch")
	}

	// The stored state was consumed; replaying the right value fails too.
	_, err = f.flow.Callback(context.Background(), sess, alice, "abc", "code")
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("replay err = %v", err)
	}

	_, err = f.flow.Callback(context.Background(), newSession(t), alice, "", "code")
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("missing state err = %v", err)
	}
}

func TestCallbackTokenErrors(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name  string
		grant oidctest.Grant
		code  string
	}{
		{"unknown code", oidctest.Grant{}, "never-issued"},
		{"no id token", oidctest.Grant{Subject: "1", Username: "a", RefreshExpires: future, OmitIDToken: true}, "c"},
		{"no refresh token", oidctest.Grant{Subject: "1", Username: "a", OmitRefreshToken: true}, "c"},
		{"no exp", oidctest.Grant{Subject: "1", Username: "a"}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.code == "c" {
				f.idp.IssueCode(t, "c", tt.grant)
			}
			sess := newSession(t)
			sess.Set(SessionState, "s")
			sess.Set(SessionIDP, "default")
			_, err := f.flow.Callback(context.Background(), sess, alice, "s", tt.code)
			if !errors.Is(err, domain.ErrAuth) {
				t.Fatalf("err = %v, want ErrAuth", err)
			}
			if n, _ := f.store.FindLatest(context.Background(), "alice", "default"); n != nil {
				t.Error("no record should be written")
			}
		})
	}
}

func TestCallbackSynthesizesJTI(t *testing.T) {
	f := newFixture(t)
	f.link(t, alice, "default", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour), RefreshJTI: "-"})
	rec, _ := f.store.FindLatest(context.Background(), "alice", "default")
	if rec == nil || len(rec.JTI) != 36 {
		t.Fatalf("expected a generated uuid jti, got %+v", rec)
	}
}

func TestCallbackAnonymous(t *testing.T) {
	f := newFixture(t)
	grant := oidctest.Grant{Subject: "42", Username: "bob", RefreshExpires: time.Now().Add(time.Hour)}

	f.link(t, nil, "default", grant)
	rec, _ := f.store.FindLatest(context.Background(), "bob", "default")
	if rec == nil || rec.UserID != "42" {
		t.Fatalf("primary link should identify the user from tokens, got %+v", rec)
	}

	sess := newSession(t)
	if _, err := f.flow.Initiate(context.Background(), sess, "idp_a", ""); err != nil {
		t.Fatal(err)
	}
	f.idp.IssueCode(t, "x", grant)
	_, err := f.flow.Callback(context.Background(), sess, nil, sess.Get(SessionState), "x")
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("anonymous link to external idp: err = %v", err)
	}
}

func TestReauthorizeKeepsOneRecord(t *testing.T) {
	f := newFixture(t)
	first := time.Now().Add(time.Hour)
	f.link(t, alice, "idp_a", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: first, RefreshJTI: "old"})
	f.link(t, alice, "idp_a", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: first.Add(time.Hour), RefreshJTI: "new"})

	recs, err := f.store.FindAllValid(context.Background(), "alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].JTI != "new" {
		t.Errorf("records = %+v", recs)
	}
}

func TestCallbackRotationConflict(t *testing.T) {
	f := newFixture(t)
	exp := time.Now().Add(time.Hour)
	f.link(t, &auth.Principal{UserID: "2", Username: "carol"}, "default", oidctest.Grant{Subject: "2", Username: "carol", RefreshExpires: exp, RefreshJTI: "shared"})

	sess := newSession(t)
	if _, err := f.flow.Initiate(context.Background(), sess, "idp_a", ""); err != nil {
		t.Fatal(err)
	}
	f.idp.IssueCode(t, "dup", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: exp, RefreshJTI: "shared"})
	_, err := f.flow.Callback(context.Background(), sess, alice, sess.Get(SessionState), "dup")
	if !errors.Is(err, domain.ErrAuth) || !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrAuth wrapping ErrConflict", err)
	}
}

func TestAccessToken(t *testing.T) {
	f := newFixture(t)
	refresh := f.link(t, alice, "idp_a", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour)})

	tok, err := f.ex.AccessToken(context.Background(), alice, "idp_a", 900)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "access-1" {
		t.Errorf("token = %q", tok)
	}
	forms := f.idp.Refreshes()
	if len(forms) != 1 || forms[0].Get("refresh_token") != refresh || forms[0].Get("expires_in") != "900" {
		t.Errorf("refresh form = %v", forms)
	}
}

func TestAccessTokenErrors(t *testing.T) {
	f := newFixture(t)

	before := f.store.calls.Load()
	if _, err := f.ex.AccessToken(context.Background(), alice, "bogus", 0); !errors.Is(err, domain.ErrUnconfiguredProvider) {
		t.Errorf("bogus idp: %v", err)
	}
	if f.store.calls.Load() != before {
		t.Error("unknown idp must not touch the store")
	}

	if _, err := f.ex.AccessToken(context.Background(), nil, "default", 0); !errors.Is(err, domain.ErrAuth) {
		t.Errorf("anonymous: %v", err)
	}

	_, err := f.ex.AccessToken(context.Background(), alice, "default", 0)
	if !errors.Is(err, domain.ErrAuth) || !strings.Contains(err.Error(), NoRefreshTokenMessage) {
		t.Errorf("no token: %v", err)
	}

	now := time.Now()
	f.ex.now = func() time.Time { return now }
	_ = f.store.Insert(context.Background(), domain.RefreshToken{
		Token: "00", JTI: "expired", Username: "alice", UserID: "1", IDP: "default", Expires: now.Unix(),
	})
	_, err = f.ex.AccessToken(context.Background(), alice, "default", 0)
	if !errors.Is(err, domain.ErrAuth) || !strings.Contains(err.Error(), ExpiredRefreshTokenMessage) {
		t.Errorf("expired: %v", err)
	}

	_ = f.store.Insert(context.Background(), domain.RefreshToken{
		Token: "not-hex", JTI: "garbled", Username: "alice", UserID: "1", IDP: "default", Expires: now.Unix() + 60,
	})
	_, err = f.ex.AccessToken(context.Background(), alice, "default", 0)
	if !errors.Is(err, domain.ErrAuth) || !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("undecryptable: %v", err)
	}
}

func TestAccessTokenUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.link(t, alice, "default", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour)})
	f.idp.FailRefresh(http.StatusBadGateway)

	if _, err := f.ex.AccessToken(context.Background(), alice, "default", 0); !errors.Is(err, domain.ErrInternal) {
		t.Errorf("err = %v, want ErrInternal", err)
	}
	rec, _ := f.store.FindLatest(context.Background(), "alice", "default")
	if _, ok := f.ex.AccessTokenAsync(context.Background(), *rec); ok {
		t.Error("async exchange should report failure")
	}
}

func TestAccessTokenAsync(t *testing.T) {
	f := newFixture(t)
	f.link(t, alice, "idp_a", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour)})
	rec, _ := f.store.FindLatest(context.Background(), "alice", "idp_a")

	tok, ok := f.ex.AccessTokenAsync(context.Background(), *rec)
	if !ok || tok == "" {
		t.Fatalf("AccessTokenAsync = %q, %v", tok, ok)
	}

	unknown := *rec
	unknown.IDP = "gone"
	if _, ok := f.ex.AccessTokenAsync(context.Background(), unknown); ok {
		t.Error("unconfigured idp should fail")
	}
	expired := *rec
	expired.Expires = time.Now().Unix() - 1
	if _, ok := f.ex.AccessTokenAsync(context.Background(), expired); ok {
		t.Error("expired record should fail")
	}
}

func TestConnectedAndExpiration(t *testing.T) {
	f := newFixture(t)
	exp := time.Now().Add(time.Hour)
	f.link(t, alice, "idp_a", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: exp})

	ok, err := f.ex.Connected(context.Background(), alice, "idp_a")
	if err != nil || !ok {
		t.Errorf("Connected(idp_a) = %v, %v", ok, err)
	}
	ok, _ = f.ex.Connected(context.Background(), alice, "default")
	if ok {
		t.Error("alice is not connected to default")
	}
	ok, _ = f.ex.Connected(context.Background(), nil, "idp_a")
	if ok {
		t.Error("anonymous is never connected")
	}
	if _, err := f.ex.Connected(context.Background(), alice, "bogus"); !errors.Is(err, domain.ErrUnconfiguredProvider) {
		t.Errorf("bogus: %v", err)
	}

	got, err := f.ex.Expiration(context.Background(), alice, "idp_a")
	if err != nil || got == nil || *got != exp.Unix() {
		t.Errorf("Expiration = %v, %v", got, err)
	}
	if got, _ := f.ex.Expiration(context.Background(), alice, "default"); got != nil {
		t.Errorf("Expiration(default) = %v", *got)
	}
	if got, _ := f.ex.Expiration(context.Background(), nil, "idp_a"); got != nil {
		t.Error("anonymous expiration should be nil")
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	refresh := f.link(t, alice, "default", oidctest.Grant{Subject: "1", Username: "alice", RefreshExpires: time.Now().Add(time.Hour)})

	if err := f.ex.Revoke(context.Background(), nil, "default", "explicit"); err != nil {
		t.Fatalf("Revoke explicit: %v", err)
	}
	if err := f.ex.Revoke(context.Background(), alice, "default", ""); err != nil {
		t.Fatalf("Revoke stored: %v", err)
	}
	revoked := f.idp.Revoked()
	if len(revoked) != 2 || revoked[0] != "explicit" || revoked[1] != refresh {
		t.Errorf("revoked = %v", revoked)
	}

	if err := f.ex.Revoke(context.Background(), nil, "default", ""); !errors.Is(err, domain.ErrUser) {
		t.Errorf("nothing to revoke: %v", err)
	}
	if err := f.ex.Revoke(context.Background(), &auth.Principal{Username: "nobody"}, "default", ""); !errors.Is(err, domain.ErrUser) {
		t.Errorf("no stored token: %v", err)
	}
}
