package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		log   func(Logger)
		want  bool
	}{
		{"info logs info", "info", func(l Logger) { l.Info("msg") }, true},
		{"info drops debug", "info", func(l Logger) { l.Debug("msg") }, false},
		{"debug logs debug", "debug", func(l Logger) { l.Debug("msg") }, true},
		{"error drops warn", "error", func(l Logger) { l.Warn("msg") }, false},
		{"warning alias", "warning", func(l Logger) { l.Warn("msg") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.log(NewLogger(Config{Level: tt.level, Format: "json", Output: buf}))
			if got := strings.Contains(buf.String(), "msg"); got != tt.want {
				t.Errorf("logged=%v, want %v (output %q)", got, tt.want, buf.String())
			}
		})
	}
}

func TestLoggerFormats(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(Config{Level: "info", Format: "json", Output: buf}).Info("hello", "idp", "default")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["idp"] != "default" {
		t.Errorf("unexpected entry %v", entry)
	}

	buf.Reset()
	NewLogger(Config{Level: "info", Format: "TEXT", Output: buf}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestLoggerContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: buf})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithComponent(ctx, "oauth")
	logger.WarnContext(ctx, "state mismatch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["component"] != "oauth" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestLoggerWithComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(Config{Output: buf}).WithComponent("aggregate").Info("fan out")
	if !strings.Contains(buf.String(), `"component":"aggregate"`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if WithRequestID(ctx, "") != ctx {
		t.Error("empty request ID should leave context unchanged")
	}
	if WithComponent(ctx, "") != ctx {
		t.Error("empty component should leave context unchanged")
	}
	//nolint:staticcheck // nil context is handled explicitly
	if RequestIDFromContext(nil) != "" || ComponentFromContext(nil) != "" {
		t.Error("nil context should yield empty values")
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewLogger(Config{Output: buf})

	FromContext(WithRequestID(context.Background(), "abc"), base).Info("x")
	if !strings.Contains(buf.String(), `"request_id":"abc"`) {
		t.Errorf("output = %q", buf.String())
	}
	if FromContext(context.Background(), base) != base {
		t.Error("empty context should return the same logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Error("nil logger should fall back to a discard logger")
	}
}

func TestNewLoggerFromSlog(t *testing.T) {
	buf := &bytes.Buffer{}
	sl := slog.New(slog.NewJSONHandler(buf, nil))
	l := NewLoggerFromSlog(sl)
	if l.Slog() != sl {
		t.Error("Slog() should return the wrapped logger")
	}
	l.Info("wrapped")
	if !strings.Contains(buf.String(), "wrapped") {
		t.Errorf("output = %q", buf.String())
	}
	if NewLoggerFromSlog(nil).Slog() == nil {
		t.Error("nil should fall back to slog.Default")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WTS_LOG_LEVEL", "debug")
	t.Setenv("WTS_LOG_FORMAT", "text")
	cfg := ConfigFromEnv()
	if cfg.Level != "debug" || cfg.Format != "text" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("dropped")
	l.With("k", "v").InfoContext(context.Background(), "dropped")
}
