// internal/utils/logger_test.go
package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"garbage", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWith(WarnLevel, FormatText, &buf)

	log.Debug("hidden")
	log.Info("also hidden")
	log.Warn("visible")
	log.Error("also visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("low-severity messages leaked: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "[ERROR]") {
		t.Fatalf("expected warn/error output, got %q", out)
	}
}

func TestLoggerFieldsSortedAndInherited(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWith(InfoLevel, FormatText, &buf)

	child := log.WithField("source", "free-proxy-list").WithFields(map[string]interface{}{"attempt": 2})
	child.Info("page fetched")

	out := buf.String()
	if !strings.Contains(out, "attempt=2 source=free-proxy-list") {
		t.Fatalf("fields missing or unsorted: %q", out)
	}

	// Parent must be unaffected by the child's fields.
	buf.Reset()
	log.Info("bare")
	if strings.Contains(buf.String(), "source=") {
		t.Fatalf("parent polluted by child fields: %q", buf.String())
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWith(InfoLevel, FormatJSON, &buf)

	log.WithField("job_id", "abc").Info("job started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "INFO" || entry["msg"] != "job started" || entry["job_id"] != "abc" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
