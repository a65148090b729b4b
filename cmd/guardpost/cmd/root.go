// Package cmd provides the CLI commands for GuardPost.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardpost/guardpost/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "guardpost",
	Short: "GuardPost - MCP Security Gateway",
	Long: `GuardPost is a security gateway for Model Context Protocol (MCP) servers.

It authenticates callers, authorizes tool calls against per-identity
allowlists and optional CEL policies, rate limits, and audit logs, all
without requiring changes to the upstream MCP servers.

Quick start:
  1. Create a config file: guardpost.yaml
  2. Run: guardpost start

Configuration:
  Config is loaded from guardpost.yaml in the current directory,
  $HOME/.guardpost/, or /etc/guardpost/.

  Environment variables can override config values with the GUARDPOST_ prefix.
  Example: GUARDPOST_SERVER_PORT=9090

Commands:
  start       Start the gateway HTTP server
  stdio       Serve the gateway over stdin/stdout
  stop        Stop the running server
  hash-key    Hash an API key for the config file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./guardpost.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
