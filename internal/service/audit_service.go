// Package service wires the domain into the request pipeline and the
// background workers the gateway runs.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guardpost/guardpost/internal/domain/audit"
)

// AuditService delivers audit entries to the configured sinks and the
// queryable store without ever blocking the request path. Log is a
// non-blocking enqueue; a full buffer drops the newest entry and counts it.
type AuditService struct {
	redactor *audit.Redactor
	sinks    []audit.Sink
	store    audit.Store
	logger   *slog.Logger

	entries chan audit.Entry
	wg      sync.WaitGroup

	bufferSize  int
	dropCount   atomic.Int64
	lastWarning atomic.Int64 // rate-limits drop warnings, Unix nanos

	stopOnce sync.Once
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBufferSize sets the entry channel capacity.
func WithBufferSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.bufferSize = size
		}
	}
}

// NewAuditService creates the pipeline. Sinks may be empty; the store may
// be nil when no guard/audit/* tooling is wanted.
func NewAuditService(redactor *audit.Redactor, sinks []audit.Sink, store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditService{
		redactor:   redactor,
		sinks:      sinks,
		store:      store,
		logger:     logger.With("component", "audit"),
		bufferSize: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.entries = make(chan audit.Entry, s.bufferSize)
	return s
}

// Start launches the dispatcher goroutine.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.dispatch(ctx)
}

// Log enqueues one entry. Never blocks: when the buffer is full the entry
// is dropped and counted, and a rate-limited warning is logged.
func (s *AuditService) Log(entry audit.Entry) {
	select {
	case s.entries <- entry:
	default:
		drops := s.dropCount.Add(1)
		s.warnDrop(entry.EventType, drops)
	}
}

// warnDrop logs a drop warning at most once per second.
func (s *AuditService) warnDrop(eventType string, drops int64) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit buffer full, dropping entry",
			"event_type", eventType,
			"total_drops", drops)
	}
}

// Dropped returns the total dropped entries. Feeds the audit_drops_total
// counter.
func (s *AuditService) Dropped() int64 {
	return s.dropCount.Load()
}

// Depth returns the current buffer usage, for health reporting.
func (s *AuditService) Depth() int {
	return len(s.entries)
}

// Capacity returns the buffer size.
func (s *AuditService) Capacity() int {
	return s.bufferSize
}

// Stop closes the producer side, waits for the dispatcher to drain, then
// closes every sink and the store.
func (s *AuditService) Stop() {
	s.stopOnce.Do(func() {
		close(s.entries)
	})
	s.wg.Wait()

	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Warn("closing audit sink", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing audit store", "error", err)
		}
	}
}

// dispatch renders, redacts, and fans each entry out to the sinks and the
// store. On cancellation it drains whatever is buffered within a bounded
// deadline before returning.
func (s *AuditService) dispatch(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case entry, ok := <-s.entries:
			if !ok {
				return
			}
			s.deliver(ctx, entry)

		case <-ctx.Done():
			// Drain with a bounded deadline so shutdown cannot hang on
			// a slow sink.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case entry, ok := <-s.entries:
					if !ok {
						cancel()
						return
					}
					s.deliver(drainCtx, entry)
				default:
					cancel()
					return
				}
			}
		}
	}
}

// deliver writes one entry everywhere. Sink and store failures are logged,
// never propagated.
func (s *AuditService) deliver(ctx context.Context, entry audit.Entry) {
	line, err := entry.Line()
	if err != nil {
		s.logger.Error("rendering audit entry", "error", err)
		return
	}
	if s.redactor != nil {
		line = s.redactor.Apply(line)
	}

	for _, sink := range s.sinks {
		if err := sink.Write(ctx, line); err != nil {
			s.logger.Warn("audit sink write failed", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Append(ctx, entry); err != nil {
			s.logger.Warn("audit store append failed", "error", err)
		}
	}
}
