package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	inhttp "github.com/guardpost/guardpost/internal/adapter/inbound/http"
	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/domain/audit"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway HTTP server",
	Long: `Start the GuardPost gateway.

The gateway listens on server.host:server.port and proxies MCP traffic
posted to the mcp_path mount to the configured upstream routes. Health,
readiness, metrics, and the optional OAuth endpoints are served on the
same listener.

Examples:
  # Start with config file settings
  guardpost start

  # Start with a specific config file
  guardpost --config /path/to/guardpost.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout stays clean for the stdio mode and the audit stdout sink.
	logger := newLogger(cfg.Log.Level)
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Write the PID file so "guardpost stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	gw, err := buildGateway(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	opts := []inhttp.ServerOption{
		inhttp.WithAddr(cfg.Server.Addr()),
		inhttp.WithMCPPath(cfg.Server.MCPPath),
		inhttp.WithHeaderFallback(cfg.Auth.HeaderFallback),
		inhttp.WithTrustedProxies(gw.trusted),
		inhttp.WithRegistry(gw.registry, gw.metrics),
		inhttp.WithHealthChecker(gw.health),
		inhttp.WithLogger(logger),
	}
	if gw.oauth != nil {
		opts = append(opts, inhttp.WithOAuthHandlers(gw.oauth))
	}
	server := inhttp.NewServer(gw.pipeline, opts...)

	logger.Info("guardpost starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"mcp_path", cfg.Server.MCPPath,
		"providers", strings.Join(cfg.Auth.Providers, ","),
		"routes", len(cfg.Routes),
		"rate_limit", cfg.RateLimit.Enabled,
		"audit", cfg.Audit.Enabled,
		"tracing", cfg.Observability.Tracing,
	)
	gw.logLifecycle(audit.EventGatewayStart, true)

	err = server.Start(ctx)
	gw.logLifecycle(audit.EventGatewayStop, err == nil)
	if err != nil {
		return err
	}
	logger.Info("guardpost stopped")
	return nil
}

// newLogger builds the stderr text logger at the configured level.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the standard location for the GuardPost PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".guardpost", "server.pid")
	}
	return filepath.Join(os.TempDir(), "guardpost-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
