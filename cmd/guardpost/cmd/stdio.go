package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/guardpost/guardpost/internal/adapter/inbound/stdio"
	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/domain/audit"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve the gateway over stdin/stdout",
	Long: `Run the gateway as a local MCP server over stdin/stdout.

Line-delimited JSON-RPC envelopes are read from stdin and replies are
written to stdout; logs go to stderr. The local caller authenticates as
the configured stdio.identity (default "admin"), so guard tools answer
in-process and other traffic proxies to the default route.

Example:
  guardpost --config guardpost.yaml stdio`,
	RunE: runStdio,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	gw, err := buildGateway(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	logger.Info("guardpost starting",
		"version", Version,
		"mode", "stdio",
		"identity", cfg.Stdio.Identity,
		"routes", len(cfg.Routes),
	)
	gw.logLifecycle(audit.EventGatewayStart, true)

	server := stdio.NewServer(gw.pipeline, cfg.Stdio.Identity, logger)
	err = server.Run(ctx, os.Stdin, os.Stdout)
	gw.logLifecycle(audit.EventGatewayStop, err == nil)
	return err
}
