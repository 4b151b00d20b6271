// Command queuectl operates a job queue database directly.
//
// Subcommands:
//
//	migrate    apply pending schema migrations
//	enqueue    add a job
//	get        show one job
//	list       list jobs, newest first
//	cancel     cancel a pending job
//	stats      count jobs by status
//	run-batch  execute one batch of ready jobs
//	work       run the continuous processor in the foreground
//	cleanup    delete old completed, failed and cancelled jobs
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtr002/jobworks/internal/config"
	"github.com/mtr002/jobworks/internal/db"
	"github.com/mtr002/jobworks/internal/handlers"
	"github.com/mtr002/jobworks/internal/interfaces"
	"github.com/mtr002/jobworks/internal/jobs"
	"github.com/mtr002/jobworks/internal/logger"
	"github.com/mtr002/jobworks/internal/registry"
	"github.com/mtr002/jobworks/internal/worker"
)

// app is the state shared by subcommands once PersistentPreRunE has run.
type app struct {
	cfg     *config.Config
	conn    *sql.DB
	store   *db.Store
	manager *jobs.Manager
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and operate the persistent job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.open(cmd.Context(), cmd.Name() == "migrate")
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.conn != nil {
				a.conn.Close()
			}
		},
	}

	root.AddCommand(
		migrateCmd(a),
		enqueueCmd(a),
		getCmd(a),
		listCmd(a),
		cancelCmd(a),
		statsCmd(a),
		runBatchCmd(a),
		workCmd(a),
		cleanupCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func (a *app) open(ctx context.Context, forceMigrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg

	format := cfg.LogFormat
	if format == "json" {
		format = "console"
	}
	logger.Init("queuectl", cfg.LogLevel, format)

	dbCfg := cfg.DB()
	conn, err := db.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.conn = conn

	if cfg.AutoMigrate || forceMigrate {
		if err := db.RunMigrations(ctx, conn, dbCfg.Dialect); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	a.store = db.NewStore(conn, dbCfg.Dialect, db.WithBackoff(cfg.Backoff()))
	a.manager = jobs.NewManager(a.store, cfg.DefaultMaxAttempts, nil)
	return nil
}

func (a *app) runner(concurrency int) *worker.Runner {
	reg := registry.New()
	handlers.RegisterDefaults(reg, a.cfg.Handlers())
	if concurrency <= 0 {
		concurrency = a.cfg.BatchConcurrency
	}
	return worker.NewRunner(a.store, worker.NewExecutor(a.store, reg, nil), concurrency)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func enqueueCmd(a *app) *cobra.Command {
	var (
		priority    int
		maxAttempts int
		delay       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type> [payload-json]",
		Short: "Add a job to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}

			opts := interfaces.EnqueueOptions{Priority: priority, MaxAttempts: maxAttempts}
			if delay > 0 {
				runAt := time.Now().Add(delay)
				opts.RunAt = &runAt
			}

			job, err := a.manager.Enqueue(cmd.Context(), args[0], payload, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling (default from DEFAULT_MAX_ATTEMPTS)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run no earlier than now + delay")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.manager.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.manager.ListJobs(cmd.Context(), interfaces.ListFilter{
				Status: interfaces.JobStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, job := range list {
				fmt.Fprintf(w, "%s  %-10s %-12s %d/%d  %s\n",
					job.ID, job.Status, job.Type, job.Attempts, job.MaxAttempts,
					job.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")
	return cmd
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.manager.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "job is not pending; nothing cancelled")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := a.manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, st := range interfaces.AllStatuses {
				fmt.Fprintf(w, "%-10s %d\n", st, counts[st])
			}
			fmt.Fprintf(w, "%-10s %d\n", "total", counts.Total())
			return nil
		},
	}
}

func runBatchCmd(a *app) *cobra.Command {
	var (
		limit       int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Execute one batch of ready jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.runner(concurrency).RunBatch(cmd.Context(), limit)
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum jobs to fetch")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "jobs executed at once (default from BATCH_CONCURRENCY)")
	return cmd
}

func workCmd(a *app) *cobra.Command {
	var (
		iterations  int
		batchSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the continuous processor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pcfg := a.cfg.Processor()
			pcfg.MaxIterations = iterations
			if batchSize > 0 {
				pcfg.BatchSize = batchSize
			}

			n := worker.NewProcessor(a.runner(concurrency), pcfg, "queuectl").Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "stopped after %d iterations\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 0, "stop after this many batches (0 runs until interrupted)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "jobs per batch (default from BATCH_SIZE)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "jobs executed at once (default from BATCH_CONCURRENCY)")
	return cmd
}

func cleanupCmd(a *app) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed, failed and cancelled jobs older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				retention = a.cfg.Retention
			}
			n, err := a.manager.Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "age threshold (default from RETENTION)")
	return cmd
}
