package memory

import (
	"context"
	"sync"

	"github.com/guardpost/guardpost/internal/domain/audit"
)

// AuditRing keeps the most recent audit entries in a fixed-size ring. It
// backs guard/audit/* when no SQLite path is configured; the window is
// lost on restart.
type AuditRing struct {
	mu      sync.RWMutex
	entries []audit.Entry
	next    int
	full    bool
}

// NewAuditRing creates a ring holding up to size entries (default 1000).
func NewAuditRing(size int) *AuditRing {
	if size <= 0 {
		size = 1000
	}
	return &AuditRing{entries: make([]audit.Entry, size)}
}

// Append stores entries, overwriting the oldest once full.
func (r *AuditRing) Append(_ context.Context, entries ...audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		r.entries[r.next] = e
		r.next = (r.next + 1) % len(r.entries)
		if r.next == 0 {
			r.full = true
		}
	}
	return nil
}

// snapshot returns the stored entries oldest first.
func (r *AuditRing) snapshot() []audit.Entry {
	if !r.full {
		out := make([]audit.Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]audit.Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Query returns matching entries, newest first.
func (r *AuditRing) Query(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	stored := r.snapshot()
	r.mu.RUnlock()

	var out []audit.Entry
	for i := len(stored) - 1; i >= 0 && len(out) < limit; i-- {
		e := stored[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Identity != "" && e.Identity != filter.Identity {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// QueryStats aggregates the current window.
func (r *AuditRing) QueryStats(_ context.Context) (*audit.Stats, error) {
	r.mu.RLock()
	stored := r.snapshot()
	r.mu.RUnlock()

	stats := &audit.Stats{
		ByEventType: make(map[string]int64),
		ByIdentity:  make(map[string]int64),
	}
	for _, e := range stored {
		stats.TotalEntries++
		stats.ByEventType[e.EventType]++
		if e.Identity != "" {
			stats.ByIdentity[e.Identity]++
		}
		if !e.Success {
			stats.Failures++
		}
	}
	return stats, nil
}

// Close is a no-op for the ring.
func (r *AuditRing) Close() error {
	return nil
}

// Compile-time interface verification.
var _ audit.Store = (*AuditRing)(nil)
