package audit

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/guardpost/guardpost/internal/domain/audit"
)

// StdoutSink emits one JSON line per entry to stdout. Logs go to stderr,
// so the audit stream stays machine-readable.
type StdoutSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStdoutSink creates the sink.
func NewStdoutSink() *StdoutSink {
	return newWriterSink(os.Stdout)
}

// newWriterSink exists for tests.
func newWriterSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: bufio.NewWriter(w)}
}

// Write emits the line and flushes so entries appear promptly.
func (s *StdoutSink) Write(_ context.Context, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes any buffered output.
func (s *StdoutSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Compile-time interface verification.
var _ audit.Sink = (*StdoutSink)(nil)
