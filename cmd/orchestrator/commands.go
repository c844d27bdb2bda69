package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/artifacts"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/httpedge"
	"github.com/flowforge/orchestrator/internal/llm"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/workflow"
)

// buildServeCmd creates the "serve" command: the only long-running command,
// wiring every component described by the configuration file and serving
// the HTTP/SSE edge until a shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's HTTP/SSE edge",
		Long: `Start the orchestrator server.

The server will:
1. Load and validate the YAML configuration file
2. Build the configured LLM provider backends and bind them to roles
3. Construct the tool registry and the workers that use it
4. Start the artifact store's retention janitor
5. Start the graph engine behind the HTTP/SSE edge

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")
	return cmd
}

// buildValidateConfigCmd creates a config-only sanity check, useful in CI
// and before a rollout — it loads and version-validates the file without
// starting any component.
func buildValidateConfigCmd() *cobra.Command {
	var configPath string
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				schema, err := config.JSONSchema()
				if err != nil {
					return fmt.Errorf("reflecting config schema: %w", err)
				}
				fmt.Println(string(schema))
				return nil
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: version=%d workers=%d providers=%d\n",
				cfg.Version, len(cfg.Workers.Definitions), len(cfg.LLM.Providers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "Print the configuration file's JSON Schema and exit, instead of validating a file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logConfig := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	obsLogger := observability.NewLogger(logConfig)
	logger := obsLogger.Slog()
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"version", version, "commit", commit,
		"config", configPath,
		"workers", len(cfg.Workers.Definitions),
	)

	metrics := observability.NewMetrics()

	var tracer *observability.Tracer
	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Observability.Tracing.Enabled {
		tracer, shutdownTracer = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
		})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	gateway := llm.NewGateway(newProviderFactory(cfg), roleBindings(cfg.LLM), llm.DefaultRetryPolicy())
	titler := llm.NewArtifactTitler(gateway)

	store := artifacts.NewTaskStore(cfg.Artifacts.RootDir, titler, logger)

	janitor := artifacts.NewJanitor(cfg.Artifacts.RootDir, cfg.Artifacts.Retention, logger)
	if err := janitor.Start(pruneCronSpec(cfg.Artifacts.PruneInterval)); err != nil {
		return fmt.Errorf("starting artifact janitor: %w", err)
	}
	defer janitor.Stop()

	toolRegistry, err := buildToolRegistry(cfg.Tools, store)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	workers := make(map[string]*workflow.Worker, len(cfg.Workers.Definitions))
	for _, def := range cfg.Workers.Definitions {
		workers[def.Name] = workflow.NewWorker(def, gateway, toolRegistry, logger)
	}

	graph := workflow.NewGraph(gateway, store, workers, toolRegistry, cfg.Orchestrator, logger).
		WithObservability(metrics, tracer)
	orchestrator := workflow.NewOrchestrator(graph, cfg.Orchestrator.EventBusCapacity)

	server := httpedge.NewServer(cfg.Server, orchestrator, store, cfg.Workers.Definitions, cfg.LLM.Providers, gateway, logger, cfg.Observability.Metrics.Enabled)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting http edge: %w", err)
	}

	logger.Info("orchestrator started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("http edge shutdown error", "error", err)
	}

	logger.Info("orchestrator stopped")
	return nil
}

// pruneCronSpec turns a prune interval into a standard 5-field cron
// expression the janitor's scheduler understands. Intervals below a minute
// round up to "every minute"; the janitor no-ops entirely when retention is
// non-positive regardless of this spec.
func pruneCronSpec(interval time.Duration) string {
	minutes := int(interval.Minutes())
	if minutes <= 0 {
		minutes = 1
	}
	if minutes >= 60 {
		hours := minutes / 60
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}
