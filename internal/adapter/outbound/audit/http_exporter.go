package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/guardpost/guardpost/internal/domain/audit"
)

const (
	// exporterMaxTries bounds the delivery attempts per batch.
	exporterMaxTries = 5
	// exporterInitialDelay is the first retry delay; doubles per attempt.
	exporterInitialDelay = 100 * time.Millisecond
)

// HTTPExporterConfig configures the batching exporter.
type HTTPExporterConfig struct {
	// URL receives POSTed JSON arrays of entries.
	URL string
	// Headers are static headers set on every request.
	Headers map[string]string
	// BatchSize flushes when this many lines are buffered (default 64).
	BatchSize int
	// BatchInterval flushes a partial batch after this long (default 5s).
	BatchInterval time.Duration
}

// HTTPExporter buffers audit lines and ships them in batches. A batch that
// still fails after the retry budget is dropped with a warning; the
// exporter never applies backpressure to the dispatcher.
type HTTPExporter struct {
	cfg    HTTPExporterConfig
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	batch [][]byte

	flushCh   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewHTTPExporter creates the exporter and starts its flush loop.
func NewHTTPExporter(cfg HTTPExporterConfig, logger *slog.Logger) *HTTPExporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &HTTPExporter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "audit_exporter"),
		flushCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.flushLoop()
	return e
}

// Write buffers one line and triggers a flush when the batch is full.
func (e *HTTPExporter) Write(_ context.Context, line []byte) error {
	buffered := make([]byte, len(line))
	copy(buffered, line)

	e.mu.Lock()
	e.batch = append(e.batch, buffered)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close flushes the remaining batch and stops the loop.
func (e *HTTPExporter) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	e.wg.Wait()
	return nil
}

// flushLoop ships batches on size triggers, interval ticks, and shutdown.
func (e *HTTPExporter) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.flushCh:
			e.flush()
		case <-ticker.C:
			e.flush()
		case <-e.closed:
			e.flush()
			return
		}
	}
}

// flush takes the current batch and posts it with capped exponential
// retries. On exhaustion the batch is dropped with a warning.
func (e *HTTPExporter) flush() {
	e.mu.Lock()
	batch := e.batch
	e.batch = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	body := renderArray(batch)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = exporterInitialDelay
	expBackoff.Multiplier = 2

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	operation := func() (struct{}, error) {
		return struct{}{}, e.post(ctx, body)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(exporterMaxTries),
	)
	if err != nil {
		e.logger.Warn("dropping audit batch after retries",
			"entries", len(batch),
			"error", err)
	}
}

// post performs one delivery attempt.
func (e *HTTPExporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("exporter status %d", resp.StatusCode)
	}
	return nil
}

// renderArray joins pre-rendered JSON lines into a JSON array.
func renderArray(lines [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, line := range lines {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(line)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Compile-time interface verification.
var _ audit.Sink = (*HTTPExporter)(nil)
