package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := newLogger(Config{Level: "debug", Format: "json", Service: "agentprice"}, &buf)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer func() { _ = cleanup() }()

	logger.Debug("calling provider", "provider", "claude", "api_key", "sk-live", "Authorization", "Bearer x", "refresh_token", "t")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for _, key := range []string{"api_key", "Authorization", "refresh_token"} {
		if line[key] != redactedValue {
			t.Fatalf("%s not redacted: %v", key, line[key])
		}
	}
	if line["provider"] != "claude" || line["service"] != "agentprice" {
		t.Fatalf("unexpected attributes: %v", line)
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentprice.log")
	var console bytes.Buffer
	logger, cleanup, err := newLogger(Config{File: path}, &console)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello from test")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", path, err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing line: %q", data)
	}
	if console.Len() != 0 {
		t.Fatalf("console output should be off when only a file is configured: %q", console.String())
	}
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestContextLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatalf("expected logger from context")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger fallback")
	}
}
