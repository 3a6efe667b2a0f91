// ============================================================================
// Forge-Dispatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the dispatcher process and its clients
//
// Command Structure:
//   forge-dispatch                 # Root command
//   ├── run                        # Start the dispatcher
//   ├── submit <text>              # Natural-language request
//   │   └── --user, --project
//   ├── status <queue> <job-id>    # Job status
//   ├── cancel <queue> <job-id>    # Cancel a job
//   ├── stats [queue]              # Queue statistics
//   ├── enqueue -f jobs.json       # Submit typed jobs directly
//   ├── clean <queue>              # Drop old finished jobs
//   │   └── --max-age
//   ├── failed                     # Dead letters (terminally failed jobs)
//   │   └── --user, --limit
//   ├── migrate [command]          # Project database migrations
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --addr                     # Dispatcher gRPC address for client commands
//
// run Command:
//   1. Load config (.env, YAML, FORGE_* variables)
//   2. Build logger, job queue, processors, orchestrator
//   3. Serve gRPC and the ops router (/healthz, /metrics, /queues)
//   4. Wait for SIGINT or SIGTERM
//   5. Graceful shutdown: stop listeners, drain jobs, final snapshot
//
// enqueue Command:
//   JSON format:
//   [
//     {
//       "queue": "code-scaffold",
//       "payload": {"request": "...", "language": "go", "user_id": "u", "project_id": "p"},
//       "priority": 1,
//       "delay": "30s"
//     }
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/forge-dispatch/internal/config"
	"github.com/ChuLiYu/forge-dispatch/internal/logger"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge-dispatch",
		Short: "Forge-Dispatch: job orchestration for generative content",
		Long: `Forge-Dispatch routes natural-language requests to background jobs:
- Intent routing and prompt enrichment
- Six priority queues with retries, delays and cancellation
- WAL and snapshot based recovery
- gRPC API, Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", config.Default().Server.GRPCAddr, "dispatcher gRPC address")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildCleanCommand())
	rootCmd.AddCommand(buildFailedCommand())
	rootCmd.AddCommand(buildMigrateCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher",
		Long:  "Start the job queue, workers, gRPC server and ops router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx)
		},
	}
}

func runSystem(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer closer.Close()

	log.Info("Starting Forge-Dispatch", "version", Version, "config", configFile,
		"persistence", cfg.Persistence.Enabled, "generator", cfg.Generator.Text, "notify", cfg.Notify.Driver)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

func buildMigrateCommand() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status|version|reset]",
		Short:     "Run project database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "version", "reset"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if databaseURL == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				databaseURL = cfg.Projects.DatabaseURL
			}
			if databaseURL == "" {
				return fmt.Errorf("database url is required (projects.database_url, FORGE_DATABASE_URL or --database-url)")
			}
			log := logger.NewWriter(os.Stderr, logger.Config{Level: "info"})
			return runMigrate(cmd.Context(), databaseURL, command, log)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to the configured one)")
	return cmd
}
