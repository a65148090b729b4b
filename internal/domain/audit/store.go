package audit

import (
	"context"
	"time"
)

// Sink consumes rendered audit lines. Each configured sink receives every
// entry after redaction. Sinks must tolerate bursts; slow sinks buffer or
// drop internally rather than stalling the dispatcher.
type Sink interface {
	// Write delivers one redacted JSON line (no trailing newline).
	Write(ctx context.Context, line []byte) error

	// Close flushes buffered lines and releases resources.
	Close() error
}

// Filter selects entries for a store query. Zero fields match everything.
type Filter struct {
	// EventType filters by exact event type.
	EventType string
	// Identity filters by identity id.
	Identity string
	// Since excludes entries older than this time.
	Since time.Time
	// Limit caps the number of returned entries (default 100).
	Limit int
}

// Stats aggregates the stored trail for guard/audit/stats.
type Stats struct {
	// TotalEntries is the count of stored entries.
	TotalEntries int64 `json:"total_entries"`
	// ByEventType maps event types to counts.
	ByEventType map[string]int64 `json:"by_event_type"`
	// ByIdentity maps identity ids to counts.
	ByIdentity map[string]int64 `json:"by_identity"`
	// Failures is the count of entries with success=false.
	Failures int64 `json:"failures"`
}

// Store is the queryable backing for the guard/audit/* tools. The sqlite
// adapter persists across restarts; the ring adapter keeps a bounded
// in-memory window.
type Store interface {
	// Append stores entries. Errors are logged by the caller, never
	// propagated to the request path.
	Append(ctx context.Context, entries ...Entry) error

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Entry, error)

	// QueryStats aggregates the stored trail.
	QueryStats(ctx context.Context) (*Stats, error)

	// Close releases resources.
	Close() error
}
