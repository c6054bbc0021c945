package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wts/internal/auth"
	"wts/internal/domain"
	"wts/internal/observability"
	"wts/internal/storage"
)

func TestWriteDomainErr(t *testing.T) {
	s := NewServer(http.NewServeMux(), Deps{})
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: %q", domain.ErrUnconfiguredProvider, "bogus"), http.StatusBadRequest},
		{fmt.Errorf("%w: relative only", domain.ErrUser), http.StatusBadRequest},
		{fmt.Errorf("%w: bad token", domain.ErrAuthN), http.StatusUnauthorized},
		{fmt.Errorf("%w: no refresh token", domain.ErrAuth), http.StatusForbidden},
		{fmt.Errorf("%w: could not store: %w", domain.ErrAuth, storage.ErrConflict), http.StatusForbidden},
		{fmt.Errorf("%w: endpoint", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("insert: %w", storage.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: upstream 502", domain.ErrInternal), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		s.writeDomainErr(context.Background(), rr, tt.err)
		if rr.Code != tt.code {
			t.Errorf("%v: status %d, want %d", tt.err, rr.Code, tt.code)
		}
		var body apiError
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if tt.code >= 500 && (body.Error != "internal error" || body.Detail != "") {
			t.Errorf("%v: 5xx body exposes %+v", tt.err, body)
		}
	}
}

func TestWriteErrLogsPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerFromSlog(slog.New(slog.NewTextHandler(&buf, nil)))
	s := NewServer(http.NewServeMux(), Deps{Logger: logger})

	ctx := auth.ContextWithPrincipal(context.Background(), &auth.Principal{UserID: "1", Username: "alice"})
	s.writeDomainErr(ctx, httptest.NewRecorder(), fmt.Errorf("%w: no refresh token", domain.ErrAuth))
	if !strings.Contains(buf.String(), "username=alice") {
		t.Fatalf("log line lacks the caller: %s", buf.String())
	}

	buf.Reset()
	s.writeDomainErr(context.Background(), httptest.NewRecorder(), fmt.Errorf("%w: no refresh token", domain.ErrAuth))
	if strings.Contains(buf.String(), "username=") {
		t.Fatalf("anonymous log line names a user: %s", buf.String())
	}
}

func TestLoggingMiddlewareRecoversPanic(t *testing.T) {
	h := ApplyMiddlewares(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}), RequestIDMiddleware(), LoggingMiddleware(nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/token/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rr.Code)
	}
}

func TestSanitizeRequestID(t *testing.T) {
	cases := map[string]string{
		"abc-123":   "abc-123",
		" a.b_c ":   "a.b_c",
		"has space": "",
		"<script>":  "",
	}
	cases[strings.Repeat("a", 65)] = ""
	for in, want := range cases {
		if got := sanitizeRequestID(in); got != want {
			t.Errorf("sanitizeRequestID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies("10.0.0.0/8, 192.168.1.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if len(proxies.CIDRs) != 2 {
		t.Fatalf("expected 2 CIDRs, got %d", len(proxies.CIDRs))
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := proxies.ClientIP(r); got != "203.0.113.9" {
		t.Errorf("trusted proxy: got %q", got)
	}

	r.RemoteAddr = "172.16.0.1:4567"
	if got := proxies.ClientIP(r); got != "172.16.0.1" {
		t.Errorf("untrusted proxy: got %q", got)
	}

	var none *TrustedProxyConfig
	r.RemoteAddr = "10.1.2.3:4567"
	if got := none.ClientIP(r); got != "10.1.2.3" {
		t.Errorf("nil config: got %q", got)
	}

	if _, err := ParseTrustedProxies("not-a-cidr"); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("RATE_LIMIT_BURST", "7")
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 5 || cfg.Burst != 7 || !cfg.Enabled() {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("RATE_LIMIT_RPS", "0")
	if DefaultRateLimitConfig().Enabled() {
		t.Fatal("RATE_LIMIT_RPS=0 should disable rate limiting")
	}
}
