package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/siftlab/sift/internal/config"
	"github.com/siftlab/sift/internal/observability"
	"github.com/siftlab/sift/internal/stitch"
	"github.com/siftlab/sift/internal/store"
	"github.com/siftlab/sift/internal/tsdb"
)

// stitchCmd creates the "stitch" subcommand.
func stitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stitch [k_id]",
		Short: "Stitch collected fragments into continuous series",
		Long: `Average duplicate fragments of the keyword, chain overlapping windows
into layers, rescale disjoint layers against the daily anchor series,
and write one normalized series per location into the analytics
database. Defaults to keyword 1 when no id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStitch,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "analytics SQLite file to write (overrides config)")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "n", 0, "locations stitched concurrently (0 = use config)")

	return cmd
}

// runStitch executes the stitch command.
func runStitch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := setupLogger(cfg)

	kID := int64(1)
	if len(args) > 0 {
		kID, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid keyword id %q: %w", args[0], err)
		}
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	st, err := store.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	out, err := tsdb.Open(cfg.Stitch.OutputPath, logger)
	if err != nil {
		return fmt.Errorf("open analytics database: %w", err)
	}
	defer out.Close()

	metrics := observability.NewMetrics(logger)
	eng := stitch.New(st, out, metrics, logger, cfg.Stitch.Parallelism)

	logger.Info("starting stitch",
		"k_id", kID,
		"output", cfg.Stitch.OutputPath,
		"parallelism", cfg.Stitch.Parallelism,
	)

	start := time.Now()

	// Fresh resolutions first, so fragments collected since the last
	// run are visible to the enumeration below.
	tagged, err := st.TagResolutions(ctx)
	if err != nil {
		return fmt.Errorf("tag resolutions: %w", err)
	}
	if tagged > 0 {
		logger.Info("tagged fresh resolutions", "count", tagged)
	}

	written, err := eng.Run(ctx, kID)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	snap := metrics.Snapshot()

	fmt.Printf("\n✅ Stitch complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Series:    %d written, %d targets skipped\n", written, snap["stitch_failures"])
	fmt.Printf("   Tagged:    %d fresh resolutions\n", tagged)
	fmt.Printf("   Output:    %s\n", cfg.Stitch.OutputPath)

	if written == 0 {
		fmt.Println("\n💡 No series were written. Stitching needs completed hourly requests")
		fmt.Println("   for the keyword; run the dispatcher first, or check the keyword id.")
	}

	return nil
}

// tagCmd creates the "tag" subcommand.
func tagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag",
		Short: "Tag completed requests with their sample resolution",
		Long: `Derive the sample resolution of every untagged completed request from
its stored time series and record it as a request tag. Stitching only
sees tagged fragments; "stitch" runs this pass on its own, so the
standalone command mainly serves inspection after a collection batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			tagged, err := st.TagResolutions(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Tagged %d requests\n", tagged)
			return nil
		},
	}
}
