// Package upstream provides transport adapters for connecting to upstream
// MCP servers over stdio, HTTP, and SSE.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial buffer size for the message
	// scanner. MCP messages are typically small, but a generous initial
	// buffer avoids reallocation for moderate-sized messages.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum line size the scanner accepts.
	// Lines exceeding this cause bufio.ErrTooLong and end the read loop.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	// sendQueueSize bounds the writer's internal queue.
	sendQueueSize = 64
)

// StdioTransport runs the upstream MCP server as a subprocess and exchanges
// line-delimited JSON envelopes on its stdin/stdout. Stderr is inherited
// (the MCP spec allows server logging there).
type StdioTransport struct {
	command string
	args    []string
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool

	sendCh chan []byte
	recvCh chan *mcp.Message
	// done is closed exactly once by Close. The writer, the reader, and
	// any parked Send observe it; sendCh itself is never closed because
	// Send may be racing with Close.
	done chan struct{}
	// exited is closed by the reaper once the child is gone; after that
	// every Receive reports ConnectionClosed.
	exited chan struct{}
	wg     sync.WaitGroup
}

// NewStdioTransport spawns the command and starts the writer and reader
// goroutines. A spawn failure is reported as a Spawn transport error.
func NewStdioTransport(command string, args []string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StdioTransport{
		command: command,
		args:    args,
		logger:  logger.With("component", "stdio_transport", "command", command),
		sendCh:  make(chan []byte, sendQueueSize),
		recvCh:  make(chan *mcp.Message, sendQueueSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, upstream.NewError(upstream.KindSpawn, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, upstream.NewError(upstream.KindSpawn, "stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, upstream.NewError(upstream.KindSpawn, fmt.Sprintf("starting %s", command), err)
	}
	t.cmd = cmd

	t.wg.Add(2)

	// Writer: drain the send queue, one line per envelope, until Close.
	go func() {
		defer t.wg.Done()
		defer func() { _ = stdin.Close() }()
		w := bufio.NewWriter(stdin)
		for {
			select {
			case raw := <-t.sendCh:
				if _, err := w.Write(raw); err != nil {
					t.logger.Warn("write to upstream failed", "error", err)
					return
				}
				if err := w.WriteByte('\n'); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					t.logger.Warn("flush to upstream failed", "error", err)
					return
				}
			case <-t.done:
				return
			}
		}
	}()

	// Reader: publish each parsed line; malformed lines are dropped. The
	// publish must not block indefinitely: a full recvCh with no consumer
	// would otherwise wedge Close behind wg.Wait.
	go func() {
		defer t.wg.Done()
		defer close(t.recvCh)
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, scannerInitialBufSize)
		scanner.Buffer(buf, scannerMaxBufSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := make([]byte, len(line))
			copy(raw, line)

			msg, err := mcp.Decode(raw, mcp.ServerToClient)
			if err != nil {
				t.logger.Warn("dropping malformed upstream line", "error", err)
				continue
			}
			select {
			case t.recvCh <- msg:
			case <-t.done:
				return
			}
		}
		// EOF or scan error: the child is gone or the pipe broke.
	}()

	// Reaper: collect the child's exit status exactly once.
	go func() {
		err := cmd.Wait()
		if err != nil {
			t.logger.Warn("upstream process exited", "error", err)
		}
		close(t.exited)
	}()

	return t, nil
}

// Send enqueues one envelope for the writer goroutine.
func (t *StdioTransport) Send(ctx context.Context, msg *mcp.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	}

	select {
	case t.sendCh <- msg.Raw:
		return nil
	case <-t.done:
		return upstream.NewError(upstream.KindConnectionClosed, "transport closed", nil)
	case <-t.exited:
		return upstream.NewError(upstream.KindConnectionClosed, "upstream process exited", nil)
	case <-ctx.Done():
		return upstream.NewError(upstream.KindSend, "context cancelled", ctx.Err())
	}
}

// Receive returns the next envelope published by the reader goroutine.
// After the child exits, Receive reports ConnectionClosed.
func (t *StdioTransport) Receive(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg, ok := <-t.recvCh:
		if !ok {
			return nil, upstream.NewError(upstream.KindConnectionClosed, "upstream closed stdout", nil)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, upstream.NewError(upstream.KindReceive, "context cancelled", ctx.Err())
	}
}

// Close kills the child process and releases the pipes. Idempotent and
// safe to call concurrently with Send; a parked Send unblocks with a
// ConnectionClosed error.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	// Do not hold the mutex across the waits below: Send takes it too.
	t.mu.Unlock()

	var errs []error
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
	}
	// The reaper's Wait closes the pipes; the reader goroutine exits on EOF.
	<-t.exited
	t.wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Compile-time check that StdioTransport implements Transport.
var _ upstream.Transport = (*StdioTransport)(nil)
