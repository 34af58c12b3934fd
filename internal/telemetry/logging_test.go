package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/kaihost/internal/shared"
)

func lastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("extension enabled", "extension", "clock")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := lastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "host" {
		t.Fatalf("expected component=host, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["extension"] != "clock" {
		t.Fatalf("expected extension attr, got %#v", entry["extension"])
	}
}

func TestNewLoggerTo_CopiesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	ctx = shared.WithRequestID(ctx, "req-9")
	ctx = shared.WithExtensionID(ctx, "word_counter")
	logger.InfoContext(ctx, "state transition", "to", "Validating")

	entry := lastEntry(t, buf.Bytes())
	if entry["trace_id"] != "trace-1" || entry["request_id"] != "req-9" || entry["extension_id"] != "word_counter" {
		t.Fatalf("context ids not propagated: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")

	logger.Info("provider call",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"error", "request failed: key AIzaSyA1234567890123456789012345678901 rejected",
	)

	entry := lastEntry(t, buf.Bytes())
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if msg, _ := entry["error"].(string); strings.Contains(msg, "AIza") {
		t.Fatalf("expected google key redaction, got %q", msg)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn record missing")
	}
}
