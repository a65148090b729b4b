package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/pkg/mcp"
)

func mustDecode(t *testing.T, raw string) *mcp.Message {
	t.Helper()
	msg, err := mcp.Decode([]byte(raw), mcp.ClientToServer)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", raw, err)
	}
	return msg
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		// Echo the request id back in a result.
		req := mustDecode(t, string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, req.RawID())
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	defer func() { _ = tr.Close() }()

	ctx := context.Background()
	if err := tr.Send(ctx, mustDecode(t, `{"jsonrpc":"2.0","id":42,"method":"tools/list"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(reply.RawID()) != "42" {
		t.Errorf("reply id = %s, want 42", reply.RawID())
	}
}

func TestHTTPTransportPreservesPairingUnderConcurrency(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := mustDecode(t, string(body))
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, req.RawID())
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	defer func() { _ = tr.Close() }()

	// Each goroutine performs Send immediately followed by Receive; the
	// send-side mutex guarantees the popped reply pairs with its Send.
	const workers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg := mustDecode(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, id))
			if err := tr.Send(context.Background(), msg); err != nil {
				errCh <- err
				return
			}
			if _, err := tr.Receive(context.Background()); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("worker error: %v", err)
	}
}

func TestHTTPTransportNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	defer func() { _ = tr.Close() }()

	err := tr.Send(context.Background(), mustDecode(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var te *upstream.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Send() error = %v, want *TransportError", err)
	}
	if te.Kind != upstream.KindReceive {
		t.Errorf("error kind = %v, want Receive", te.Kind)
	}
}

func TestHTTPTransportConnectFailure(t *testing.T) {
	t.Parallel()

	tr := NewHTTPTransport("http://127.0.0.1:1") // nothing listens here
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Send(ctx, mustDecode(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var te *upstream.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Send() error = %v, want *TransportError", err)
	}
	if te.Kind != upstream.KindSend {
		t.Errorf("error kind = %v, want Send", te.Kind)
	}
}

func TestHTTPTransportClosed(t *testing.T) {
	t.Parallel()

	tr := NewHTTPTransport("http://example.invalid")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	err := tr.Send(context.Background(), mustDecode(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var te *upstream.TransportError
	if !errors.As(err, &te) || te.Kind != upstream.KindConnectionClosed {
		t.Errorf("Send() after Close = %v, want ConnectionClosed", err)
	}
}
