package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"document-job-queue/internal/app"
	"document-job-queue/internal/cleanup"
	"document-job-queue/internal/config"
	"document-job-queue/internal/health"
	"document-job-queue/internal/logging"
	"document-job-queue/internal/models"
	"document-job-queue/internal/worker"
)

var timeout time.Duration

func main() {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Administer the document job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall command timeout")
	root.AddCommand(migrateCmd(), cleanupCmd(), statsCmd(), healthCmd(), cancelCmd(), releaseStalledCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, connects and runs fn with a bounded context.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "queuectl", Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(_ context.Context, a *app.App) error {
				if err := a.Store.Migrate(); err != nil {
					return err
				}
				version, dirty, err := a.Store.MigrationVersion()
				if err != nil {
					return err
				}
				fmt.Printf("schema at version %d (dirty=%t)\n", version, dirty)
				return nil
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	var opts cleanup.Options
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete jobs and logs past retention",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Cleanup.CleanupOldJobs(ctx, opts)
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Count rows without deleting")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Rows per delete batch (default from RETENTION_BATCH_SIZE)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue and state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				stats, err := a.Cleanup.GetQueueStatistics(ctx)
				if err != nil {
					return err
				}
				queues, err := a.Manager.Stats(ctx, []string{models.QueueOCR, models.QueueReport})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"store": stats, "queues": queues})
			})
		},
	}
}

func healthCmd() *cobra.Command {
	var component string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run health checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				var status health.Status
				if component != "" {
					c, err := a.Monitor.Check(ctx, component)
					if err != nil {
						return err
					}
					status = c.Status
					if err := printJSON(c); err != nil {
						return err
					}
				} else {
					r := a.Monitor.GetOverallHealth(ctx)
					status = r.Status
					if err := printJSON(r); err != nil {
						return err
					}
				}
				if status != health.Healthy && status != health.Warning {
					return fmt.Errorf("status %s", status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&component, "component", "", "One of queue, queue-storage, database")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				job, err := a.Manager.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func releaseStalledCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "release-stalled",
		Short: "Return active jobs without recent activity to retry",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				threshold := olderThan
				if threshold <= 0 {
					threshold = a.Cfg.Worker.StalledThreshold
				}
				p := worker.NewProcessor(a.Store, worker.Config{WorkerID: "queuectl", StalledThreshold: threshold}, worker.WithLogger(a.Log))
				n, err := p.ReleaseStalled(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("released %d stalled jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Stalled threshold (default WORKER_STALLED_THRESHOLD)")
	return cmd
}
