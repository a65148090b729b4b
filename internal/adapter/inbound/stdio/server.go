// Package stdio runs the gateway over stdin/stdout: line-delimited
// JSON-RPC envelopes in, replies out, logs on stderr.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/service"
)

// maxLineBytes caps one inbound envelope at 1 MiB, matching the HTTP
// body cap.
const maxLineBytes = 1 << 20

// Server reads envelopes line by line and runs each through the
// pipeline's post-authentication stages. The local caller is trusted: it
// already owns the process, so it gets the configured identity without
// presenting a credential.
type Server struct {
	pipeline *service.Pipeline
	identity *auth.Identity
	logger   *slog.Logger
}

// NewServer creates the stdio front end. identityID defaults to admin.
func NewServer(pipeline *service.Pipeline, identityID string, logger *slog.Logger) *Server {
	if identityID == "" {
		identityID = auth.AdminID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline: pipeline,
		identity: &auth.Identity{
			ID:     identityID,
			Claims: map[string]any{"admin": true, "auth_method": "stdio"},
		},
		logger: logger.With("component", "stdio"),
	}
}

// Run proxies between in and out until EOF or context cancellation.
// EOF is a clean exit: the caller closed its side.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; the pipeline retains the raw bytes.
		raw := make([]byte, len(line))
		copy(raw, line)

		reply, err := s.pipeline.HandleAuthenticated(ctx, raw, s.identity, "/")
		if err != nil {
			s.logger.Warn("request rejected", "error", err)
			continue
		}
		if reply == nil {
			continue
		}

		if _, err := writer.Write(reply.Raw); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flushing reply: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading stdin: %w", err)
	}
	s.logger.Info("stdin closed, exiting")
	return nil
}
