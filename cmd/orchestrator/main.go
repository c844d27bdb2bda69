// Package main is the CLI entry point for the workflow orchestrator: a
// single static graph of a coordinator, a planner, a supervisor, and a
// fixed set of specialized workers, driven over a role-bound LLM Gateway
// and exposed over an SSE edge.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the multi-agent workflow orchestrator",
		Long: `orchestrator drives a fixed graph of a coordinator, a planner, a
supervisor, and a configured set of specialized workers against an LLM
Gateway, streaming kernel events over a chat/stream SSE endpoint.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateConfigCmd(),
	)

	return rootCmd
}
