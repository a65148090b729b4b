package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// SSETransport receives envelopes over a Server-Sent Events stream and
// sends them by POSTing to the paired request URL.
type SSETransport struct {
	streamURL string
	postURL   string
	client    *http.Client
	logger    *slog.Logger

	recvCh chan *mcp.Message

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSSETransport connects to streamURL with Accept: text/event-stream and
// starts the receiver goroutine. Send posts to postURL; when postURL is
// empty, streamURL is used for both.
func NewSSETransport(ctx context.Context, streamURL, postURL string, logger *slog.Logger) (*SSETransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if postURL == "" {
		postURL = streamURL
	}

	streamCtx, cancel := context.WithCancel(ctx)
	t := &SSETransport{
		streamURL: streamURL,
		postURL:   postURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: logger.With("component", "sse_transport"),
		recvCh: make(chan *mcp.Message, 64),
		cancel: cancel,
		closed: make(chan struct{}),
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, upstream.NewError(upstream.KindSend, "building stream request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, upstream.NewError(upstream.KindConnectionClosed, "connecting to stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, upstream.NewError(upstream.KindConnectionClosed, fmt.Sprintf("stream status %d", resp.StatusCode), nil)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { _ = resp.Body.Close() }()
		t.readEvents(resp.Body)
	}()

	return t, nil
}

// readEvents parses SSE frames and publishes data payloads as envelopes.
// Only data fields are honored; multi-line data is joined with newlines per
// the SSE spec. The channel closes when the stream drops.
func (t *SSETransport) readEvents(body interface{ Read([]byte) (int, error) }) {
	defer close(t.recvCh)

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		// Blank line terminates one event.
		if line == "" {
			if len(data) > 0 {
				t.publish(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
		// Other fields (event, id, retry) are ignored.
	}
	if len(data) > 0 {
		t.publish(strings.Join(data, "\n"))
	}
}

func (t *SSETransport) publish(payload string) {
	msg, err := mcp.Decode([]byte(payload), mcp.ServerToClient)
	if err != nil {
		t.logger.Warn("dropping malformed SSE event", "error", err)
		return
	}
	select {
	case t.recvCh <- msg:
	case <-t.closed:
	}
}

// Send posts one envelope to the paired request URL.
func (t *SSETransport) Send(ctx context.Context, msg *mcp.Message) error {
	select {
	case <-t.closed:
		return upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL, bytes.NewReader(msg.Raw))
	if err != nil {
		return upstream.NewError(upstream.KindSend, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return upstream.NewError(upstream.KindSend, "posting to upstream", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstream.NewError(upstream.KindSend, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}
	return nil
}

// Receive returns the next envelope from the event stream. A dropped
// stream surfaces as ConnectionClosed.
func (t *SSETransport) Receive(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg, ok := <-t.recvCh:
		if !ok {
			return nil, upstream.NewError(upstream.KindConnectionClosed, "event stream closed", nil)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, upstream.NewError(upstream.KindReceive, "context cancelled", ctx.Err())
	}
}

// Close stops the receiver and releases connections. Idempotent.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.cancel()
		t.wg.Wait()
		t.client.CloseIdleConnections()
	})
	return nil
}

// Compile-time check that SSETransport implements Transport.
var _ upstream.Transport = (*SSETransport)(nil)
