// Package upstream defines the transport contract for reaching upstream
// MCP servers.
package upstream

import (
	"context"
	"fmt"

	"github.com/guardpost/guardpost/pkg/mcp"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindSpawn means the subprocess could not be started.
	KindSpawn ErrorKind = iota
	// KindProcessExited means the subprocess exited unexpectedly.
	KindProcessExited
	// KindSend means an envelope could not be delivered.
	KindSend
	// KindReceive means a reply could not be read.
	KindReceive
	// KindInvalidMessage means the upstream produced bytes that are not a
	// JSON-RPC envelope.
	KindInvalidMessage
	// KindConnectionClosed means the channel to the upstream is gone.
	KindConnectionClosed
)

// String returns the log-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindProcessExited:
		return "process exited"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindInvalidMessage:
		return "invalid message"
	case KindConnectionClosed:
		return "connection closed"
	default:
		return "unknown"
	}
}

// TransportError is the kind-tagged failure returned by transports.
type TransportError struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Detail elaborates on the failure for logs. May be empty.
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewError builds a kind-tagged transport error.
func NewError(kind ErrorKind, detail string, err error) *TransportError {
	return &TransportError{Kind: kind, Detail: detail, Err: err}
}

// Transport is a bidirectional message channel to one upstream MCP server.
//
// Implementations are safe for concurrent use: the pipeline shares one
// instance across all in-flight requests. Send enqueues one envelope;
// Receive returns the next reply; the HTTP transport additionally
// guarantees that replies come back in Send order so concurrent callers
// can pair them.
type Transport interface {
	// Send delivers one envelope to the upstream.
	Send(ctx context.Context, msg *mcp.Message) error

	// Receive returns the next envelope from the upstream. It blocks until
	// a message arrives, the context is cancelled, or the channel closes.
	Receive(ctx context.Context) (*mcp.Message, error)

	// Close releases the channel. Closing twice is safe.
	Close() error
}
