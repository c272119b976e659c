package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/siftlab/sift/internal/config"
	"github.com/siftlab/sift/internal/dispatcher"
	"github.com/siftlab/sift/internal/fetcher"
	"github.com/siftlab/sift/internal/ingest"
	"github.com/siftlab/sift/internal/observability"
	"github.com/siftlab/sift/internal/store"
)

var (
	cfgFile     string
	verbose     bool
	localFetch  bool
	exitIdle    bool
	fetcherPath string
	outputPath  string
	parallelism int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sift",
		Short: "Sift — Search-Trend Collection and Stitching",
		Long: `Sift collects search-interest data for tracked keywords and composes the
overlapping fragments into continuous long-range time series.

Features:
  • Atomic request claiming against a shared PostgreSQL queue
  • Round-robin dispatch over local, sudo, and SSH fetch workers
  • Fleet pacing that keeps every fetcher under the upstream quota
  • Stage-before-parse ingestion, no fetched payload is ever lost
  • Overlap rescaling and daily anchoring across disjoint windows
  • Prometheus metrics endpoint`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(stitchCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// dispatchCmd creates the "dispatch" subcommand.
func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the request dispatch loop",
		Long: `Claim open requests from the shared queue, fetch each one through the
round-robin-next fetcher, and ingest the payloads. Runs until
interrupted, or until the queue drains when --exit is set.`,
		RunE: runDispatch,
	}

	cmd.Flags().BoolVar(&localFetch, "local", false, "fetch through the local script instead of the fetcher descriptor file")
	cmd.Flags().BoolVar(&exitIdle, "exit", false, "exit once the queue is drained instead of idling")
	cmd.Flags().StringVar(&fetcherPath, "fetchers", "", "fetcher descriptor file (overrides config)")

	return cmd
}

// runDispatch executes the dispatch command.
func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := setupLogger(cfg)

	ctx, cancel := signalContext(logger)
	defer cancel()

	st, err := store.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var transports []fetcher.Transport
	if localFetch {
		transports = []fetcher.Transport{
			fetcher.NewLocalTransport(cfg.Fetchers.LocalScript, cfg.Fetchers.Timeout, logger),
		}
	} else {
		transports, err = fetcher.LoadTransports(cfg.Fetchers.ConfigPath, cfg.Fetchers.Timeout, logger)
		if err != nil {
			return fmt.Errorf("load fetchers: %w", err)
		}
	}

	metrics := observability.NewMetrics(logger)
	if cfg.Metrics.Enabled {
		if err := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	interval := dispatcher.DispatchInterval(len(transports))
	disp, err := dispatcher.New(st, ingest.New(st, logger), transports, metrics, logger, dispatcher.Options{
		Interval:     interval,
		ExitWhenIdle: exitIdle,
		IdleSleep:    cfg.Dispatcher.IdleSleep,
		API:          cfg.Fetchers.API,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	logger.Info("starting dispatch",
		"fetchers", len(transports),
		"interval", interval,
	)

	start := time.Now()
	runErr := disp.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	elapsed := time.Since(start)
	snap := metrics.Snapshot()

	logger.Info("dispatch finished",
		"elapsed", elapsed,
		"claims", snap["claims"],
		"fetches", snap["fetches"],
		"ingested", snap["payloads_ingested"],
	)

	fmt.Printf("\n✅ Dispatch finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Claims:    %d won, %d lost to races\n", snap["claims"], snap["claim_races"])
	fmt.Printf("   Fetches:   %d ok, %d failed (%d upstream 500s)\n", snap["fetches"], snap["fetch_errors"], snap["server_errors"])
	fmt.Printf("   Ingested:  %d payloads, %d parked after validation\n", snap["payloads_ingested"], snap["validation_failures"])
	fmt.Printf("   Released:  %d requests back to open\n", snap["releases"])
	if snap["replays"] > 0 {
		fmt.Printf("   Replayed:  %d staged payloads\n", snap["replays"])
	}

	if snap["claims"] == 0 && runErr == nil {
		fmt.Println("\n💡 Nothing was claimed. A request becomes eligible once its window has")
		fmt.Println("   been closed for 10 minutes and it has no staged payload pending.")
	}

	return nil
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sift %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			applyCLIOverrides(cfg)
			fmt.Printf("Database:\n")
			fmt.Printf("  DSN:               %s\n", cfg.Database.DSN)
			fmt.Printf("  Max Open Conns:    %d\n", cfg.Database.MaxOpenConns)
			fmt.Printf("  Max Idle Conns:    %d\n", cfg.Database.MaxIdleConns)
			fmt.Printf("  Conn Max Lifetime: %s\n", cfg.Database.ConnMaxLifetime)
			fmt.Printf("\nFetchers:\n")
			fmt.Printf("  Descriptor File:   %s\n", cfg.Fetchers.ConfigPath)
			fmt.Printf("  Local Script:      %s\n", cfg.Fetchers.LocalScript)
			fmt.Printf("  API Flavor:        %s\n", cfg.Fetchers.API)
			fmt.Printf("  Fetch Timeout:     %s\n", cfg.Fetchers.Timeout)
			fmt.Printf("\nDispatcher:\n")
			fmt.Printf("  Idle Sleep:        %s\n", cfg.Dispatcher.IdleSleep)
			fmt.Printf("\nStitch:\n")
			fmt.Printf("  Output Path:       %s\n", cfg.Stitch.OutputPath)
			fmt.Printf("  Parallelism:       %d\n", cfg.Stitch.Parallelism)
			fmt.Printf("\nLogging:\n")
			fmt.Printf("  Level:             %s\n", cfg.Logging.Level)
			fmt.Printf("  Format:            %s\n", cfg.Logging.Format)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			return nil
		},
	}
	return cmd
}

// setupLogger creates a structured logger from the logging config. The
// --verbose flag forces debug level regardless of the configured one.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if cfg.Logging.Output == "stdout" {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down...", "signal", sig)
		cancel()
	}()

	return ctx, cancel
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if fetcherPath != "" {
		cfg.Fetchers.ConfigPath = fetcherPath
	}
	if outputPath != "" {
		cfg.Stitch.OutputPath = outputPath
	}
	if parallelism > 0 {
		cfg.Stitch.Parallelism = parallelism
	}
}
