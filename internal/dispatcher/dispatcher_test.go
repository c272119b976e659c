package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/siftlab/sift/internal/fetcher"
	"github.com/siftlab/sift/internal/observability"
	"github.com/siftlab/sift/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type claimResult struct {
	claim *types.Claim
	err   error
}

type fakeStore struct {
	results  []claimResult
	pos      int
	released []int64
	staged   []types.StagedPayload
	interned []string
}

func (f *fakeStore) ClaimNext(context.Context) (*types.Claim, error) {
	if f.pos >= len(f.results) {
		return nil, types.ErrNoRequests
	}
	r := f.results[f.pos]
	f.pos++
	return r.claim, r.err
}

func (f *fakeStore) Release(_ context.Context, rID int64) error {
	f.released = append(f.released, rID)
	return nil
}

func (f *fakeStore) StagedPayloads(context.Context) ([]types.StagedPayload, error) {
	return f.staged, nil
}

func (f *fakeStore) InternFetcher(_ context.Context, name, host, api string) (int64, error) {
	f.interned = append(f.interned, fmt.Sprintf("%s@%s/%s", name, host, api))
	return int64(len(f.interned)), nil
}

type fakeIngestor struct {
	ingested  []int64
	fetchers  []int64
	replayed  []int64
	ingestErr error
	replayErr map[int64]error
}

func (f *fakeIngestor) Ingest(_ context.Context, claim *types.Claim, _ []byte, fID int64, _ time.Time) error {
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, claim.RID)
	f.fetchers = append(f.fetchers, fID)
	return nil
}

func (f *fakeIngestor) Replay(_ context.Context, sp types.StagedPayload) error {
	if err := f.replayErr[sp.RfoID]; err != nil {
		return err
	}
	f.replayed = append(f.replayed, sp.RfoID)
	return nil
}

type fakeTransport struct {
	name    string
	payload []byte
	err     error
	calls   []string
}

func (f *fakeTransport) Fetch(_ context.Context, window, keyword, geo string) ([]byte, error) {
	f.calls = append(f.calls, window+"|"+keyword+"|"+geo)
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) Host() string { return "testhost" }

func testClaim(rID int64) *types.Claim {
	return &types.Claim{
		RID:         rID,
		KID:         7,
		Query:       "fever",
		WindowStart: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC),
	}
}

type harness struct {
	store   *fakeStore
	ingest  *fakeIngestor
	metrics *observability.Metrics
}

func newDispatcher(t *testing.T, store *fakeStore, ingest *fakeIngestor, opts Options, transports ...*fakeTransport) (*Dispatcher, *harness) {
	t.Helper()
	if len(transports) == 0 {
		transports = []*fakeTransport{{name: "popen:test", payload: []byte(`{}`)}}
	}
	list := make([]fetcher.Transport, len(transports))
	for i, tr := range transports {
		list[i] = tr
	}

	metrics := observability.NewMetrics(testLogger)
	opts.ExitWhenIdle = true
	if opts.Prompt == nil {
		opts.Prompt = strings.NewReader("")
	}
	if opts.PromptOut == nil {
		opts.PromptOut = io.Discard
	}
	d, err := New(store, ingest, list, metrics, testLogger, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, &harness{store: store, ingest: ingest, metrics: metrics}
}

// --- Dispatch Loop Tests ---

func TestRunDrainsQueue(t *testing.T) {
	store := &fakeStore{results: []claimResult{{claim: testClaim(42)}}}
	ingest := &fakeIngestor{}
	tr := &fakeTransport{name: "popen:test", payload: []byte(`{}`)}
	d, h := newDispatcher(t, store, ingest, Options{API: "web"}, tr)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ingest.ingested) != 1 || ingest.ingested[0] != 42 {
		t.Errorf("ingested = %v, want [42]", ingest.ingested)
	}
	if len(tr.calls) != 1 {
		t.Fatalf("fetch calls = %d, want 1", len(tr.calls))
	}
	if want := "2022-01-01T00 2022-01-08T00|fever|"; tr.calls[0] != want {
		t.Errorf("fetch call = %q, want %q", tr.calls[0], want)
	}
	if h.metrics.Claims.Load() != 1 || h.metrics.Fetches.Load() != 1 || h.metrics.Ingested.Load() != 1 {
		t.Errorf("metrics = %v", h.metrics.Snapshot())
	}
	if len(store.interned) != 1 || store.interned[0] != "popen:test@testhost/web" {
		t.Errorf("interned = %v", store.interned)
	}
}

func TestRoundRobinSurvivesServerError(t *testing.T) {
	store := &fakeStore{results: []claimResult{
		{claim: testClaim(42)},
		{claim: testClaim(43)},
	}}
	ingest := &fakeIngestor{}
	broken := &fakeTransport{name: "ssh:one", err: &types.FetcherResponseError{
		Code: http.StatusInternalServerError, Msg: "backend error",
	}}
	healthy := &fakeTransport{name: "ssh:two", payload: []byte(`{}`)}
	d, h := newDispatcher(t, store, ingest, Options{}, broken, healthy)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Request 42 hit the broken transport, was released, and the
	// rotation moved on so 43 reached the healthy one.
	if len(store.released) != 1 || store.released[0] != 42 {
		t.Errorf("released = %v, want [42]", store.released)
	}
	if len(ingest.ingested) != 1 || ingest.ingested[0] != 43 {
		t.Errorf("ingested = %v, want [43]", ingest.ingested)
	}
	if len(healthy.calls) != 1 {
		t.Errorf("healthy transport calls = %d, want 1", len(healthy.calls))
	}
	if h.metrics.ServerErrors.Load() != 1 || h.metrics.Releases.Load() != 1 {
		t.Errorf("metrics = %v", h.metrics.Snapshot())
	}
}

func TestFetcherAttributionFollowsRotation(t *testing.T) {
	store := &fakeStore{results: []claimResult{
		{claim: testClaim(42)},
		{claim: testClaim(43)},
		{claim: testClaim(44)},
	}}
	ingest := &fakeIngestor{}
	one := &fakeTransport{name: "ssh:one", payload: []byte(`{}`)}
	two := &fakeTransport{name: "ssh:two", payload: []byte(`{}`)}
	d, _ := newDispatcher(t, store, ingest, Options{}, one, two)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int64{1, 2, 1}
	if len(ingest.fetchers) != 3 {
		t.Fatalf("fetcher ids = %v, want %v", ingest.fetchers, want)
	}
	for i, id := range want {
		if ingest.fetchers[i] != id {
			t.Errorf("fetcher ids = %v, want %v", ingest.fetchers, want)
			break
		}
	}
}

func TestFatalFetchErrorStops(t *testing.T) {
	store := &fakeStore{results: []claimResult{{claim: testClaim(42)}}}
	ingest := &fakeIngestor{}
	tr := &fakeTransport{name: "ssh:one", err: &types.FetcherFatal{
		Command: "ssh -T trends@host",
		Stderr:  "connection refused",
		Err:     errors.New("exit status 255"),
	}}
	d, h := newDispatcher(t, store, ingest, Options{}, tr)

	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to stop on a fatal fetch error")
	}
	// The claim is rolled back before stopping so another dispatcher
	// can retry it.
	if len(store.released) != 1 || store.released[0] != 42 {
		t.Errorf("released = %v, want [42]", store.released)
	}
	if h.metrics.FetchErrors.Load() != 1 {
		t.Errorf("fetch errors = %d, want 1", h.metrics.FetchErrors.Load())
	}
}

func TestValidationFailureParksAndContinues(t *testing.T) {
	store := &fakeStore{results: []claimResult{{claim: testClaim(42)}}}
	ingest := &fakeIngestor{ingestErr: &types.IngestError{
		Stage: "validate",
		RID:   42,
		Err:   fmt.Errorf("label mismatch: %w", types.ErrUnreconstructibleLabels),
	}}
	d, h := newDispatcher(t, store, ingest, Options{})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.metrics.ValidationFailures.Load() != 1 {
		t.Errorf("validation failures = %d, want 1", h.metrics.ValidationFailures.Load())
	}
	// No release: the staging row owns the request now.
	if len(store.released) != 0 {
		t.Errorf("released = %v, want none", store.released)
	}
}

func TestIngestErrorStops(t *testing.T) {
	store := &fakeStore{results: []claimResult{{claim: testClaim(42)}}}
	ingest := &fakeIngestor{ingestErr: errors.New("database gone")}
	d, _ := newDispatcher(t, store, ingest, Options{})

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected run to stop on an ingest error")
	}
}

func TestClaimRaceContinues(t *testing.T) {
	store := &fakeStore{results: []claimResult{
		{err: types.ErrClaimLost},
		{claim: testClaim(42)},
	}}
	ingest := &fakeIngestor{}
	d, h := newDispatcher(t, store, ingest, Options{})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.metrics.ClaimRaces.Load() != 1 {
		t.Errorf("claim races = %d, want 1", h.metrics.ClaimRaces.Load())
	}
	if len(ingest.ingested) != 1 {
		t.Errorf("ingested = %v, want one record", ingest.ingested)
	}
}

// --- Recovery Tests ---

func stagedRow(rfoID int64) types.StagedPayload {
	return types.StagedPayload{RfoID: rfoID, RID: 42, KID: 7, Raw: `{}`}
}

func TestRecoveryDeclinedByDefault(t *testing.T) {
	store := &fakeStore{staged: []types.StagedPayload{stagedRow(1)}}
	ingest := &fakeIngestor{}
	var promptOut bytes.Buffer
	d, _ := newDispatcher(t, store, ingest, Options{Prompt: strings.NewReader(""), PromptOut: &promptOut})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(promptOut.String(), "1 staged payloads present") {
		t.Errorf("prompt = %q", promptOut.String())
	}
	if len(ingest.replayed) != 0 {
		t.Errorf("replayed = %v, want none", ingest.replayed)
	}
}

func TestRecoveryDeclinedExplicitly(t *testing.T) {
	store := &fakeStore{staged: []types.StagedPayload{stagedRow(1)}}
	ingest := &fakeIngestor{}
	d, _ := newDispatcher(t, store, ingest, Options{Prompt: strings.NewReader("n\n")})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ingest.replayed) != 0 {
		t.Errorf("replayed = %v, want none", ingest.replayed)
	}
}

func TestRecoveryReplaysOnConfirm(t *testing.T) {
	store := &fakeStore{staged: []types.StagedPayload{stagedRow(1), stagedRow(2)}}
	ingest := &fakeIngestor{replayErr: map[int64]error{
		1: &types.IngestError{Stage: "validate", RID: 42,
			Err: fmt.Errorf("label mismatch: %w", types.ErrUnreconstructibleLabels)},
	}}
	d, h := newDispatcher(t, store, ingest, Options{Prompt: strings.NewReader("y\n")})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Row 1 fails validation and stays parked; row 2 goes through.
	if len(ingest.replayed) != 1 || ingest.replayed[0] != 2 {
		t.Errorf("replayed = %v, want [2]", ingest.replayed)
	}
	if h.metrics.Replays.Load() != 1 || h.metrics.ValidationFailures.Load() != 1 {
		t.Errorf("metrics = %v", h.metrics.Snapshot())
	}
}

func TestRecoveryStopsOnStorageError(t *testing.T) {
	store := &fakeStore{staged: []types.StagedPayload{stagedRow(1)}}
	ingest := &fakeIngestor{replayErr: map[int64]error{1: errors.New("database gone")}}
	d, _ := newDispatcher(t, store, ingest, Options{Prompt: strings.NewReader("y\n")})

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected run to stop when replay fails hard")
	}
	// The process never reached the dispatch loop.
	if len(store.interned) != 0 {
		t.Errorf("interned = %v, want none", store.interned)
	}
}

// --- Governor Tests ---

func TestGovernorPacing(t *testing.T) {
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept time.Duration
	g := &Governor{
		now:   func() time.Time { return now },
		sleep: func(d time.Duration) { slept += d; now = now.Add(d) },
	}

	first := g.Wait(context.Background(), time.Time{}, 61*time.Second)
	if slept != 0 {
		t.Errorf("first dispatch slept %v, want none", slept)
	}

	g.Wait(context.Background(), first, 61*time.Second)
	if slept < 61*time.Second {
		t.Errorf("second dispatch slept %v, want at least 61s", slept)
	}
}

func TestGovernorStopsOnCancel(t *testing.T) {
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept time.Duration
	g := &Governor{
		now:   func() time.Time { return now },
		sleep: func(d time.Duration) { slept += d; now = now.Add(d) },
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g.Wait(ctx, now.Add(-time.Second), time.Hour)
	if slept != 0 {
		t.Errorf("cancelled wait slept %v, want none", slept)
	}
}

func TestDispatchInterval(t *testing.T) {
	cases := []struct {
		transports int
		want       time.Duration
	}{
		{1, 61 * time.Second},
		{2, 31 * time.Second},
		{6, 11 * time.Second},
		{0, 61 * time.Second},
	}
	for _, tc := range cases {
		if got := DispatchInterval(tc.transports); got != tc.want {
			t.Errorf("DispatchInterval(%d) = %v, want %v", tc.transports, got, tc.want)
		}
	}
}

// --- Window Format Tests ---

func TestFormatWindow(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2022, 1, d, 0, 0, 0, 0, time.UTC) }
	cases := []struct {
		name       string
		start, end time.Time
		want       string
	}{
		{"four hours", day(1), day(1).Add(4 * time.Hour), "2022-01-01T00 2022-01-01T04"},
		{"exactly seven days", day(1), day(8), "2022-01-01T00 2022-01-08T00"},
		{"thirty days", day(1), day(31), "2022-01-01 2022-01-31"},
	}
	for _, tc := range cases {
		if got := FormatWindow(tc.start, tc.end); got != tc.want {
			t.Errorf("%s: FormatWindow = %q, want %q", tc.name, got, tc.want)
		}
	}
}
