// Package stitch turns the overlapping trend fragments collected for a
// keyword into one continuous, comparable time series per location.
//
// The upstream service normalizes every response to its own window, so
// two fragments of the same keyword are on different scales. Stitching
// recovers a common scale from the labels two fragments share: within
// a layer of transitively overlapping windows by direct rescaling, and
// across disjoint layers by anchoring each layer against the daily
// series covering it. Targets whose data cannot support either step
// are skipped rather than written wrong.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siftlab/sift/internal/observability"
	"github.com/siftlab/sift/internal/types"
)

// FragmentSource supplies stored fragments for stitching.
type FragmentSource interface {
	StitchTargets(ctx context.Context, kID int64) ([]string, bool, error)
	Fragments(ctx context.Context, kID int64, tag, geo string) ([]types.Fragment, error)
}

// Sink receives finished series.
type Sink interface {
	WriteSeries(ctx context.Context, kID int64, state string, labels []time.Time, values []float64) error
}

// Engine stitches one keyword across all its locations.
type Engine struct {
	source      FragmentSource
	sink        Sink
	metrics     *observability.Metrics
	logger      *slog.Logger
	parallelism int
}

func New(source FragmentSource, sink Sink, metrics *observability.Metrics, logger *slog.Logger, parallelism int) *Engine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{
		source:      source,
		sink:        sink,
		metrics:     metrics,
		logger:      logger.With("component", "stitch"),
		parallelism: parallelism,
	}
}

// Run stitches the keyword for every location it was observed in,
// plus the worldwide series, and writes the results. Targets are
// stitched concurrently; writes happen sequentially afterwards.
// Returns the number of series written.
func (e *Engine) Run(ctx context.Context, kID int64) (int, error) {
	isos, worldwide, err := e.source.StitchTargets(ctx, kID)
	if err != nil {
		return 0, fmt.Errorf("enumerate stitch targets: %w", err)
	}

	targets := make([]string, 0, len(isos)+1)
	if worldwide {
		targets = append(targets, types.WorldwideState)
	}
	targets = append(targets, isos...)
	if len(targets) == 0 {
		e.logger.Info("nothing to stitch", "k_id", kID)
		return 0, nil
	}

	results := make([]*Series, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, state := range targets {
		g.Go(func() error {
			s, err := e.stitchTarget(gctx, kID, state)
			if err != nil {
				var storageErr *types.StorageError
				if errors.As(err, &storageErr) {
					return err
				}
				e.metrics.StitchFailures.Add(1)
				e.logger.Warn("target skipped",
					"k_id", kID, "state", state, "error", err)
				return nil
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var written int
	for i, s := range results {
		if s == nil {
			continue
		}
		if err := e.sink.WriteSeries(ctx, kID, targets[i], s.Labels, s.Values); err != nil {
			return written, fmt.Errorf("write series for %s: %w", targets[i], err)
		}
		e.metrics.SeriesStitched.Add(1)
		written++
	}
	e.logger.Info("stitch complete", "k_id", kID, "targets", len(targets), "written", written)
	return written, nil
}

// stitchTarget produces the final series for one (keyword, location)
// pair. state is an ISO location code, or the worldwide marker for
// fragments with no location.
func (e *Engine) stitchTarget(ctx context.Context, kID int64, state string) (*Series, error) {
	geo := state
	if geo == types.WorldwideState {
		geo = ""
	}

	hourly, err := e.source.Fragments(ctx, kID, types.TagHourly, geo)
	if err != nil {
		return nil, err
	}
	averaged := Average(hourly, e.logger)
	layers := Layerize(averaged, ModeDefault)
	if len(layers) == 0 {
		return nil, fmt.Errorf("no usable hourly fragments")
	}
	stitched := make([]*Series, 0, len(layers))
	for _, layer := range layers {
		s, err := StitchLayer(layer, ModeDefault)
		if err != nil {
			return nil, err
		}
		stitched = append(stitched, s)
	}
	if len(stitched) == 1 {
		return stitched[0], nil
	}

	e.logger.Debug("anchoring disjoint layers",
		"k_id", kID, "state", state, "layers", len(stitched))
	daily, err := e.dailySeries(ctx, kID, geo)
	if err != nil {
		return nil, err
	}
	if daily == nil {
		// Without daily coverage the layers cannot be made
		// comparable. Concatenating unscaled at least preserves the
		// shape within each layer.
		e.logger.Warn("no daily series to anchor against, concatenating unscaled",
			"k_id", kID, "state", state, "layers", len(stitched))
		concat := Layerize(averaged, ModeConcat)
		return StitchLayer(concat[0], ModeConcat)
	}
	return Anchor(stitched, daily)
}

// dailySeries stitches the keyword's daily fragments into the single
// continuous anchor series. Returns nil when no daily data exists.
func (e *Engine) dailySeries(ctx context.Context, kID int64, geo string) (*Series, error) {
	frags, err := e.source.Fragments(ctx, kID, types.TagDaily, geo)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, nil
	}
	averaged := Average(frags, e.logger)
	layers := Layerize(averaged, ModeAnchor)
	if len(layers) != 1 {
		return nil, fmt.Errorf("daily fragments yield %d layers, need one continuous anchor: %w",
			len(layers), types.ErrNoAnchor)
	}
	return StitchLayer(layers[0], ModeAnchor)
}
