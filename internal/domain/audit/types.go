// Package audit contains domain types for the audit trail.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType constants for audit entries.
const (
	// EventAuthSuccess records a successful authentication.
	EventAuthSuccess = "auth.success"
	// EventAuthFailure records a failed authentication.
	EventAuthFailure = "auth.failure"
	// EventAuthzDeny records a tool-call denied by authorization.
	EventAuthzDeny = "authz.deny"
	// EventRateLimited records a request rejected by the rate limiter.
	EventRateLimited = "rate.limited"
	// EventToolCall records an admitted tool call or forward.
	EventToolCall = "tool.call"
	// EventUpstreamError records a transport failure talking to an upstream.
	EventUpstreamError = "upstream.error"
	// EventError records any other pipeline failure visible to a client.
	EventError = "error"
	// EventGatewayStart and EventGatewayStop bracket the process lifetime.
	EventGatewayStart = "gateway.start"
	EventGatewayStop  = "gateway.stop"
)

// Entry is one immutable audit event. Entries are enqueued by the request
// pipeline and fanned out to the configured sinks.
type Entry struct {
	// ID is a unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the event occurred, RFC 3339 on the wire.
	Timestamp time.Time `json:"timestamp"`
	// EventType categorizes the event.
	EventType string `json:"event_type"`
	// Identity is the authenticated identity id, when known.
	Identity string `json:"identity,omitempty"`
	// Tool is the tool name for tool-call events.
	Tool string `json:"tool,omitempty"`
	// Success indicates whether the recorded operation succeeded.
	Success bool `json:"success"`
	// Message is a human-readable elaboration.
	Message string `json:"message,omitempty"`
	// Metadata carries event-specific fields (method, route, status...).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEntry builds an entry stamped with a fresh id and the current time.
func NewEntry(eventType string) Entry {
	return Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
}

// Line renders the entry as one JSON line, without the trailing newline.
func (e Entry) Line() ([]byte, error) {
	return json.Marshal(e)
}

// sensitiveKeywords lists substrings that indicate a sensitive metadata or
// argument key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactSensitiveArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
