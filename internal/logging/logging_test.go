package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureLog(sanitize bool, attrs ...slog.Attr) map[string]any {
	var buf bytes.Buffer
	handler := NewSanitizingHandler(slog.NewJSONHandler(&buf, nil), sanitize)
	logger := slog.New(handler)

	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Info("test message", args...)

	var record map[string]any
	json.Unmarshal(buf.Bytes(), &record)
	return record
}

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	record := captureLog(true,
		slog.String("password", "hunter2"),
		slog.String("ssh_passphrase", "opensesame"),
		slog.String("host", "example.com"),
	)

	if record["password"] != "[REDACTED]" {
		t.Errorf("password = %v", record["password"])
	}
	if record["ssh_passphrase"] != "[REDACTED]" {
		t.Errorf("ssh_passphrase = %v", record["ssh_passphrase"])
	}
	if record["host"] != "example.com" {
		t.Errorf("host = %v", record["host"])
	}
}

func TestSanitizeDisabled(t *testing.T) {
	record := captureLog(false, slog.String("password", "hunter2"))
	if record["password"] != "hunter2" {
		t.Errorf("password = %v, want passthrough", record["password"])
	}
}

func TestSanitizeGroups(t *testing.T) {
	record := captureLog(true,
		slog.Group("ssh", slog.String("auth_token", "abc"), slog.String("user", "root")),
	)

	group, ok := record["ssh"].(map[string]any)
	if !ok {
		t.Fatalf("group missing: %v", record)
	}
	if group["auth_token"] != "[REDACTED]" {
		t.Errorf("auth_token = %v", group["auth_token"])
	}
	if group["user"] != "root" {
		t.Errorf("user = %v", group["user"])
	}
}

func TestSanitizingHandlerEnabled(t *testing.T) {
	var buf bytes.Buffer
	h := NewSanitizingHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}), true)
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled despite warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled")
	}
}

func TestSetupLevels(t *testing.T) {
	// Setup installs the default logger; just exercise the level parsing
	// paths.
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		Setup(level, true)
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("default logger rejects info after setup")
	}
}
