package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/siftlab/sift/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	staged   [][]byte
	ingested []types.IngestRecord
	stageErr error
	nextRfo  int64
}

func (f *fakeStore) StageRaw(_ context.Context, rID, kID, fID int64, raw []byte, _ time.Time) (int64, error) {
	if f.stageErr != nil {
		return 0, f.stageErr
	}
	f.staged = append(f.staged, raw)
	f.nextRfo++
	return f.nextRfo, nil
}

func (f *fakeStore) IngestStructured(_ context.Context, rec types.IngestRecord) error {
	f.ingested = append(f.ingested, rec)
	return nil
}

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

// timePayload builds a payload whose time axis starts at start and
// advances by step for n samples.
func timePayload(t *testing.T, start time.Time, step time.Duration, n int) []byte {
	t.Helper()
	points := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		points[start.Add(time.Duration(i)*step).Format("2006-01-02T15:04:05")] = int64(i * 10)
	}
	raw, err := json.Marshal(map[string]any{"time": points})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func hourlyClaim() *types.Claim {
	return &types.Claim{
		RID:         42,
		KID:         7,
		Query:       "fever",
		Geo:         sql.NullString{String: "DE", Valid: true},
		WindowStart: ts("2022-01-01T00:00:00"),
		WindowEnd:   ts("2022-01-01T02:00:00"),
	}
}

func TestIngest(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	raw := timePayload(t, ts("2022-01-01T00:00:00"), time.Hour, 3)
	fetchedAt := ts("2022-01-01T03:00:00")
	if err := p.Ingest(context.Background(), hourlyClaim(), raw, 2, fetchedAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fs.staged) != 1 {
		t.Fatalf("staged %d payloads, want 1", len(fs.staged))
	}
	if len(fs.ingested) != 1 {
		t.Fatalf("ingested %d records, want 1", len(fs.ingested))
	}
	rec := fs.ingested[0]
	if rec.RfoID != 1 || rec.RID != 42 || rec.KID != 7 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Geo != "DE" {
		t.Errorf("geo = %q, want DE", rec.Geo)
	}
	if !rec.FID.Valid || rec.FID.Int64 != 2 {
		t.Errorf("fetcher = %+v, want 2", rec.FID)
	}
	if got := rec.Payload.Values(); len(got) != 3 || got[1] != 10 {
		t.Errorf("values = %v", got)
	}
}

func TestIngestStagesBeforeParsing(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	err := p.Ingest(context.Background(), hourlyClaim(), []byte("not json"), 2, ts("2022-01-01T03:00:00"))
	if err == nil {
		t.Fatal("expected parse error")
	}

	var ingErr *types.IngestError
	if !errors.As(err, &ingErr) || ingErr.Stage != "parse" {
		t.Fatalf("error = %v, want parse-stage ingest error", err)
	}
	// Parse failures are not validation failures: the caller must not
	// treat them as parkable.
	if errors.Is(err, types.ErrUnreconstructibleLabels) {
		t.Error("parse error should not match ErrUnreconstructibleLabels")
	}
	if len(fs.staged) != 1 {
		t.Errorf("staged %d payloads, want 1 (raw bytes kept despite parse failure)", len(fs.staged))
	}
	if len(fs.ingested) != 0 {
		t.Errorf("ingested %d records, want 0", len(fs.ingested))
	}
}

func TestIngestRejectsForeignLabels(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	// Labels from the wrong day: parse fine, fail reconstruction.
	raw := timePayload(t, ts("2022-02-01T00:00:00"), time.Hour, 3)
	err := p.Ingest(context.Background(), hourlyClaim(), raw, 2, ts("2022-01-01T03:00:00"))
	if !errors.Is(err, types.ErrUnreconstructibleLabels) {
		t.Fatalf("error = %v, want ErrUnreconstructibleLabels", err)
	}

	var ingErr *types.IngestError
	if !errors.As(err, &ingErr) || ingErr.Stage != "validate" {
		t.Fatalf("error = %v, want validate-stage ingest error", err)
	}
	if len(fs.staged) != 1 || len(fs.ingested) != 0 {
		t.Errorf("staged=%d ingested=%d, want 1 and 0", len(fs.staged), len(fs.ingested))
	}
}

func TestIngestRejectsOffGridSampleCount(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	// 100 samples fit no cadence of a 2h window.
	raw := timePayload(t, ts("2022-01-01T00:00:00"), time.Minute, 100)
	err := p.Ingest(context.Background(), hourlyClaim(), raw, 2, ts("2022-01-01T03:00:00"))
	if !errors.Is(err, types.ErrUnreconstructibleLabels) {
		t.Fatalf("error = %v, want ErrUnreconstructibleLabels", err)
	}
}

func TestReplay(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	sp := types.StagedPayload{
		RfoID:       99,
		RID:         42,
		KID:         7,
		FID:         sql.NullInt64{Int64: 2, Valid: true},
		Raw:         string(timePayload(t, ts("2022-01-01T00:00:00"), time.Hour, 3)),
		FetchedAt:   ts("2022-01-01T03:00:00"),
		WindowStart: ts("2022-01-01T00:00:00"),
		WindowEnd:   ts("2022-01-01T02:00:00"),
	}
	if err := p.Replay(context.Background(), sp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Replay must not stage again: the row already exists.
	if len(fs.staged) != 0 {
		t.Errorf("staged %d payloads, want 0", len(fs.staged))
	}
	if len(fs.ingested) != 1 {
		t.Fatalf("ingested %d records, want 1", len(fs.ingested))
	}
	if fs.ingested[0].RfoID != 99 {
		t.Errorf("rfo_id = %d, want 99", fs.ingested[0].RfoID)
	}
	if fs.ingested[0].Geo != "" {
		t.Errorf("geo = %q, want worldwide", fs.ingested[0].Geo)
	}
}

func TestReplayKeepsRowOnValidationFailure(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, testLogger)

	sp := types.StagedPayload{
		RfoID:       99,
		RID:         42,
		KID:         7,
		Raw:         string(timePayload(t, ts("2022-02-01T00:00:00"), time.Hour, 3)),
		FetchedAt:   ts("2022-01-01T03:00:00"),
		WindowStart: ts("2022-01-01T00:00:00"),
		WindowEnd:   ts("2022-01-01T02:00:00"),
	}
	err := p.Replay(context.Background(), sp)
	if !errors.Is(err, types.ErrUnreconstructibleLabels) {
		t.Fatalf("error = %v, want ErrUnreconstructibleLabels", err)
	}
	if len(fs.ingested) != 0 {
		t.Errorf("ingested %d records, want 0", len(fs.ingested))
	}
}
