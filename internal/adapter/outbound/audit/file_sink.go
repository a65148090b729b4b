// Package audit provides the sink adapters for the audit pipeline: a
// rotating file appender, a stdout emitter, and a batching HTTP exporter.
package audit

import (
	"context"
	"fmt"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/guardpost/guardpost/internal/domain/audit"
)

// FileSinkConfig holds the rotation policy for the file sink.
type FileSinkConfig struct {
	// Path is the audit log file. Parent directories must exist.
	Path string
	// MaxSizeMB rotates the file when it exceeds this size (default 100).
	MaxSizeMB int
	// MaxAgeDays deletes rotated segments older than this (0 keeps all).
	MaxAgeDays int
	// MaxBackups caps the number of retained segments (0 keeps all).
	MaxBackups int
	// Compress gzips rotated segments.
	Compress bool
}

// FileSink appends one JSON line per entry through a rotating writer.
type FileSink struct {
	writer *lumberjack.Logger
}

// NewFileSink creates the sink. The file is created lazily on first write.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
	}
}

// Write appends the line and a newline.
func (s *FileSink) Write(_ context.Context, line []byte) error {
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit line: %w", err)
	}
	return nil
}

// Close closes the current segment.
func (s *FileSink) Close() error {
	return s.writer.Close()
}

// Compile-time interface verification.
var _ audit.Sink = (*FileSink)(nil)
