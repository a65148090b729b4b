package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// maxResponseBodySize caps the reply body read from an upstream, preventing
// OOM from a misbehaving server.
const maxResponseBodySize = 1024 * 1024 // 1MB

// HTTPTransport posts one envelope per Send and queues the HTTP response
// body as the paired reply.
//
// The Transport contract is a stream, but HTTP is request/response. To keep
// pairing correct under concurrent callers, Send performs the round trip
// and enqueues the reply under a single mutex, so replies enter the queue
// in Send order and each Receive pops the reply to the oldest Send.
type HTTPTransport struct {
	endpoint string
	client   *http.Client

	sendMu sync.Mutex
	recvCh chan *mcp.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// HTTPOption is a functional option for configuring HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		if t.client != nil {
			t.client.Timeout = d
		}
	}
}

// NewHTTPTransport creates a transport for the given MCP endpoint URL.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		recvCh: make(chan *mcp.Message, 64),
		closed: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Send posts the envelope and enqueues the parsed response body for the
// paired Receive. Connection failures map to the Send kind; non-2xx status
// to Receive with the status code in the message.
func (t *HTTPTransport) Send(ctx context.Context, msg *mcp.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	select {
	case <-t.closed:
		return upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg.Raw))
	if err != nil {
		return upstream.NewError(upstream.KindSend, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return upstream.NewError(upstream.KindSend, "posting to upstream", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return upstream.NewError(upstream.KindReceive, "reading response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstream.NewError(upstream.KindReceive, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}

	// HTTP servers using json.Encoder append a trailing newline; strip it
	// before decoding.
	body = bytes.TrimRight(body, "\n")

	reply, err := mcp.Decode(body, mcp.ServerToClient)
	if err != nil {
		return upstream.NewError(upstream.KindInvalidMessage, "decoding response", err)
	}

	select {
	case t.recvCh <- reply:
		return nil
	case <-t.closed:
		return upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	}
}

// Receive returns the reply to the oldest outstanding Send.
func (t *HTTPTransport) Receive(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-t.recvCh:
		return msg, nil
	case <-t.closed:
		return nil, upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	case <-ctx.Done():
		return nil, upstream.NewError(upstream.KindReceive, "context cancelled", ctx.Err())
	}
}

// Close releases idle connections. Idempotent.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.client.CloseIdleConnections()
	})
	return nil
}

// Compile-time check that HTTPTransport implements Transport.
var _ upstream.Transport = (*HTTPTransport)(nil)
