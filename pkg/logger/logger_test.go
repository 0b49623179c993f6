package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"cogbot/pkg/config"
)

func newTestLogger(t *testing.T, cfg config.LoggingConfig, out *bytes.Buffer) *slog.Logger {
	t.Helper()

	handler, err := NewHandler(cfg, out)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	return slog.New(handler)
}

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{Format: "json", Level: "info"}, &out)

	log.With("component", "dispatch").Info("Command completed", "command", "ping", "ok", true, "error", errors.New("nope"))

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Command completed" {
		t.Fatalf("message = %q, want %q", entry.Message, "Command completed")
	}
	if entry.Logger != "dispatch" {
		t.Fatalf("logger = %q, want %q", entry.Logger, "dispatch")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["command"]; got != "ping" {
		t.Fatalf("fields.command = %v, want %q", got, "ping")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
	if got := entry.Fields["error"]; got != "nope" {
		t.Fatalf("fields.error = %v, want %q", got, "nope")
	}
}

func TestLoggerGroupsPrefixFields(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{Format: "json"}, &out)

	log.WithGroup("store").Info("Pool stats", "in_use", 2)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["store.in_use"]; got != float64(2) {
		t.Fatalf("fields[store.in_use] = %v, want 2", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{Format: "json", Level: "error"}, &out)

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv(envLevel, "debug")
	t.Setenv(envFormat, "text")

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{Format: "json", Level: "error"}, &out)

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{}, &out)

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := NewHandler(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewHandler(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envLevel, envFormat, envAddSource} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoggerBoundAttrsKeepTheirGroups(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log := newTestLogger(t, config.LoggingConfig{Format: "json"}, &out)

	log.With("request", "r1").WithGroup("store").With("table", "logs").Info("Insert", "rows", 1)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["request"]; got != "r1" {
		t.Fatalf("fields[request] = %v, want r1 (fields: %v)", got, entry.Fields)
	}
	if got := entry.Fields["store.table"]; got != "logs" {
		t.Fatalf("fields[store.table] = %v, want logs (fields: %v)", got, entry.Fields)
	}
	if got := entry.Fields["store.rows"]; got != float64(1) {
		t.Fatalf("fields[store.rows] = %v, want 1 (fields: %v)", got, entry.Fields)
	}
}
