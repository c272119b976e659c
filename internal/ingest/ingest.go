// Package ingest turns raw fetcher output into structured trend rows.
//
// Every payload is staged durably before the first parse attempt, so a
// crash between fetch and ingestion never loses fetched data. The
// staging row doubles as a write-ahead record: on the next startup the
// dispatcher can replay it through the same parse, validate and write
// path as a live fetch.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/siftlab/sift/internal/timeline"
	"github.com/siftlab/sift/internal/types"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	StageRaw(ctx context.Context, rID, kID, fID int64, raw []byte, fetchedAt time.Time) (int64, error)
	IngestStructured(ctx context.Context, rec types.IngestRecord) error
}

// Pipeline validates payloads against their request window and hands
// them to the store.
type Pipeline struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: logger.With("component", "ingest"),
	}
}

type job struct {
	rfoID       int64
	rID         int64
	kID         int64
	fID         sql.NullInt64
	geo         string
	windowStart time.Time
	windowEnd   time.Time
	fetchedAt   time.Time
	raw         []byte
}

// Ingest stages the raw bytes, then parses, validates and writes them.
// The staging insert commits before parsing starts; a validation
// failure leaves the row parked for later inspection.
func (p *Pipeline) Ingest(ctx context.Context, claim *types.Claim, raw []byte, fID int64, fetchedAt time.Time) error {
	rfoID, err := p.store.StageRaw(ctx, claim.RID, claim.KID, fID, raw, fetchedAt)
	if err != nil {
		return err
	}
	return p.finish(ctx, job{
		rfoID:       rfoID,
		rID:         claim.RID,
		kID:         claim.KID,
		fID:         sql.NullInt64{Int64: fID, Valid: true},
		geo:         claim.GeoCode(),
		windowStart: claim.WindowStart,
		windowEnd:   claim.WindowEnd,
		fetchedAt:   fetchedAt,
		raw:         raw,
	})
}

// Replay pushes one recovered staging row through the same parse,
// validate and write path as a live fetch.
func (p *Pipeline) Replay(ctx context.Context, sp types.StagedPayload) error {
	return p.finish(ctx, job{
		rfoID:       sp.RfoID,
		rID:         sp.RID,
		kID:         sp.KID,
		fID:         sp.FID,
		geo:         sp.GeoCode(),
		windowStart: sp.WindowStart,
		windowEnd:   sp.WindowEnd,
		fetchedAt:   sp.FetchedAt,
		raw:         []byte(sp.Raw),
	})
}

func (p *Pipeline) finish(ctx context.Context, j job) error {
	payload, err := types.ParsePayload(j.raw)
	if err != nil {
		return &types.IngestError{Stage: "parse", RID: j.rID, Err: err}
	}
	if err := validateWindow(j, payload); err != nil {
		return &types.IngestError{Stage: "validate", RID: j.rID, Err: err}
	}
	p.logger.Debug("payload validated",
		"r_id", j.rID, "k_id", j.kID, "samples", len(payload.Time))

	return p.store.IngestStructured(ctx, types.IngestRecord{
		RfoID:     j.rfoID,
		RID:       j.rID,
		KID:       j.kID,
		FID:       j.fID,
		Geo:       j.geo,
		FetchedAt: j.fetchedAt,
		Payload:   payload,
	})
}

// validateWindow proves the payload's time axis belongs to the request
// window: reconstructing the labels from the window bounds and the
// sample count must reproduce the payload's labels exactly.
func validateWindow(j job, payload *types.Payload) error {
	labels := payload.Labels()
	want, err := timeline.Restore(j.windowStart, j.windowEnd, len(labels))
	if err != nil {
		return err
	}
	for i := range want {
		if !labels[i].Equal(want[i]) {
			return fmt.Errorf("label %d is %v, want %v: %w",
				i, labels[i], want[i], types.ErrUnreconstructibleLabels)
		}
	}
	return nil
}
