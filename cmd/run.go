package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/api"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/client"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/output"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/repository"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/vulnpull/pkg/shutdown"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion pipeline once",
	Long: `Run the three pipeline waves against the configured scan server:

  1. Fetch Scan Index             - GET /scans, store every scan summary
  2. Process Scans                - GET /scans/{id} for new or modified scans
  3. Process Host Vulnerabilities - GET /scans/{id}/hosts/{host_id}, write output

Example:
  VULNPULL_CLIENT_ACCESS_KEY=... VULNPULL_CLIENT_SECRET_KEY=... \
    vulnpull run --url https://scanner:8834 --output-dir /var/lib/vulnpull
  vulnpull run --db-driver sqlite3 --db-dsn ./vulnpull.db --status-addr :8081`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("url", "", "scan server base URL")
	runCmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	runCmd.Flags().Int("workers", 10, "number of scheduler workers (at least 2)")
	runCmd.Flags().String("output-dir", "output", "directory for JSON-lines files")
	runCmd.Flags().Bool("separate", false, "write one file per document")
	runCmd.Flags().String("redis-key", "", "also push documents onto this Redis list")
	runCmd.Flags().String("status-addr", "", "serve /health and /status on this address")
	viper.BindPFlag("client.url", runCmd.Flags().Lookup("url"))
	viper.BindPFlag("client.insecure_skip_verify", runCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("worker.count", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("output.dir", runCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("output.separate", runCmd.Flags().Lookup("separate"))
	viper.BindPFlag("output.redis_key", runCmd.Flags().Lookup("redis-key"))
	viper.BindPFlag("status.addr", runCmd.Flags().Lookup("status-addr"))
}

func runPipeline(cmd *cobra.Command, args []string) (err error) {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	handler := shutdown.NewHandler(log)
	ctx, stop := handler.NotifyContext(cmd.Context())
	defer stop()
	defer func() {
		if serr := handler.ShutdownWithTimeout(shutdownTimeout); serr != nil {
			err = errors.Join(err, serr)
		}
	}()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	handler.Register("telemetry", func(context.Context) error { return tel.Close() })

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	handler.Register("database", func(context.Context) error { return store.Close() })

	reg, err := repository.New(store, cfg.Cache, tel, log)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	var sinks []core.Sink
	if cfg.Output.RedisKey != "" {
		sink, err := output.NewRedisSink(cfg.Redis, cfg.Output.RedisKey)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	out, err := output.NewWriter(cfg.Output, log, sinks...)
	if err != nil {
		for _, s := range sinks {
			s.Close()
		}
		return err
	}
	handler.Register("output", func(context.Context) error { return out.Close() })

	remote, err := client.New(cfg.Client, log)
	if err != nil {
		return err
	}

	sched := pipeline.NewScheduler(cfg.Worker, remote, tel, log)
	wave, err := jobs.NewPipeline(jobs.NewEnv(reg, out, cfg.Client, log), cfg.Writer, tel)
	if err != nil {
		return err
	}
	if err := sched.Submit(wave); err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		srv := api.NewServer(cfg.Status.Addr, api.NewRouter(sched, store, log), log)
		addr, err := srv.Start()
		if err != nil {
			return err
		}
		handler.Register("status server", srv.Shutdown)
		color.White("Status: http://%s/status\n", addr)
	}

	log.Infow("Starting pipeline",
		"url", cfg.Client.URL,
		"workers", cfg.Worker.Count,
		"driver", cfg.Database.Driver,
		"output_dir", cfg.Output.Dir,
	)

	start := time.Now()
	runErr := sched.Run(ctx)
	printSummary(sched.Status(), wave, time.Since(start))

	if runErr != nil {
		return fmt.Errorf("pipeline stopped: %w", runErr)
	}
	return nil
}

func printSummary(st core.SchedulerStatus, first *pipeline.Coordinator, elapsed time.Duration) {
	color.Cyan("\nPipeline finished in %s\n", elapsed.Round(time.Millisecond))
	for w := first; w != nil; w = w.Next() {
		stats := w.Stats()
		if w.IsFailed() {
			color.Red("  %-30s failed: %v (exceptions: %d)\n", w.Name(), w.Err(), stats.Exceptions)
			continue
		}
		color.Green("  %-30s done (exceptions: %d)\n", w.Name(), stats.Exceptions)
	}

	color.White("  Jobs completed: %d\n", st.Completed)
	if st.Failed > 0 {
		color.Yellow("  Jobs failed:    %d\n", st.Failed)
	} else {
		color.White("  Jobs failed:    0\n")
	}
}
