package audit

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewEntryStampsIDAndTime(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC()
	e := NewEntry(EventToolCall)
	if e.ID == "" {
		t.Error("ID is empty")
	}
	if e.EventType != EventToolCall {
		t.Errorf("EventType = %q, want %q", e.EventType, EventToolCall)
	}
	if e.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp = %v, want >= %v", e.Timestamp, before)
	}
}

func TestEntryLineIsRFC3339AndOmitsEmpty(t *testing.T) {
	t.Parallel()

	e := NewEntry(EventAuthFailure)
	e.Message = "invalid api key"

	line, err := e.Line()
	if err != nil {
		t.Fatalf("Line() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	ts, ok := decoded["timestamp"].(string)
	if !ok {
		t.Fatal("timestamp missing")
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", ts, err)
	}
	if _, present := decoded["tool"]; present {
		t.Error("empty tool field should be omitted")
	}
	if _, present := decoded["identity"]; present {
		t.Error("empty identity field should be omitted")
	}
}

func TestRedactSensitiveArgs(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"path":       "/etc/hosts",
		"api_key":    "mcp_secret",
		"Password":   "hunter2",
		"authHeader": "Bearer abc",
		"count":      3,
	}
	redacted := RedactSensitiveArgs(args)

	if redacted["path"] != "/etc/hosts" {
		t.Errorf("path was redacted: %v", redacted["path"])
	}
	if redacted["count"] != 3 {
		t.Errorf("count was redacted: %v", redacted["count"])
	}
	for _, key := range []string{"api_key", "Password", "authHeader"} {
		if redacted[key] != "***REDACTED***" {
			t.Errorf("%s = %v, want ***REDACTED***", key, redacted[key])
		}
	}
	// Original must be untouched.
	if args["api_key"] != "mcp_secret" {
		t.Error("RedactSensitiveArgs mutated its input")
	}
}

func TestRedactorAppliesRulesAndSkipsInvalid(t *testing.T) {
	t.Parallel()

	r := NewRedactor([]RedactRule{
		{Pattern: `mcp_[a-z0-9]+`, Replacement: "mcp_***"},
		{Pattern: `([unclosed`, Replacement: "x"}, // invalid, skipped
		{Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Replacement: "***-**-****"},
	}, slog.Default())

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (invalid rule skipped)", r.Len())
	}

	out := string(r.Apply([]byte(`key mcp_abc123 ssn 123-45-6789`)))
	if strings.Contains(out, "mcp_abc123") || strings.Contains(out, "123-45-6789") {
		t.Errorf("redaction incomplete: %s", out)
	}
	if !strings.Contains(out, "mcp_***") || !strings.Contains(out, "***-**-****") {
		t.Errorf("replacements missing: %s", out)
	}
}
