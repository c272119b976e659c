// Package dispatcher drives the request queue. It claims eligible
// requests, paces fetches so the whole fetcher fleet stays inside
// the upstream service's tolerance, spreads the work round-robin over
// the configured fetchers, and routes payloads into ingestion.
//
// The loop is deliberately conservative about errors: an upstream
// internal-server-error releases the request for a later retry, a
// payload that fails validation is parked in the staging table, and
// everything else stops the process. A dispatcher that kept claiming
// requests with a broken fetcher or database would burn through the
// queue's retry windows.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/siftlab/sift/internal/fetcher"
	"github.com/siftlab/sift/internal/observability"
	"github.com/siftlab/sift/internal/types"
)

// releaseTimeout bounds the status rollback done while the dispatcher
// is crashing or shutting down, when the loop context is already gone.
const releaseTimeout = 5 * time.Second

// Store is the queue surface the dispatcher drives.
type Store interface {
	ClaimNext(ctx context.Context) (*types.Claim, error)
	Release(ctx context.Context, rID int64) error
	StagedPayloads(ctx context.Context) ([]types.StagedPayload, error)
	InternFetcher(ctx context.Context, name, host, api string) (int64, error)
}

// Ingestor consumes fetched payloads.
type Ingestor interface {
	Ingest(ctx context.Context, claim *types.Claim, raw []byte, fID int64, fetchedAt time.Time) error
	Replay(ctx context.Context, sp types.StagedPayload) error
}

// Options tune one dispatcher process.
type Options struct {
	// Interval is the minimum gap between two dispatches.
	Interval time.Duration
	// ExitWhenIdle stops the process cleanly once the queue drains
	// instead of idling for new requests.
	ExitWhenIdle bool
	// IdleSleep is how long to sleep when the queue is empty.
	IdleSleep time.Duration
	// API is the access-path label recorded for each fetcher.
	API string
	// Prompt and PromptOut carry the startup replay confirmation.
	// They default to stdin and stderr.
	Prompt    io.Reader
	PromptOut io.Writer
}

// Dispatcher is one dispatch process of the collection fleet.
type Dispatcher struct {
	store      Store
	ingest     Ingestor
	transports []fetcher.Transport
	fetcherIDs []int64
	governor   *Governor
	metrics    *observability.Metrics
	logger     *slog.Logger
	opts       Options

	rr int
}

// New creates a dispatcher over the given transports. The transports
// are used round-robin, one fetch per dispatch.
func New(store Store, ingest Ingestor, transports []fetcher.Transport, metrics *observability.Metrics, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	if len(transports) == 0 {
		return nil, types.ErrNoTransports
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stdin
	}
	if opts.PromptOut == nil {
		opts.PromptOut = os.Stderr
	}
	return &Dispatcher{
		store:      store,
		ingest:     ingest,
		transports: transports,
		governor:   NewGovernor(),
		metrics:    metrics,
		logger:     logger.With("component", "dispatcher"),
		opts:       opts,
	}, nil
}

// Run executes the dispatch loop until the context is cancelled, the
// queue drains under ExitWhenIdle, or an unrecoverable error occurs.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recoverStaging(ctx); err != nil {
		return err
	}
	if err := d.internFetchers(ctx); err != nil {
		return err
	}

	d.logger.Info("dispatch loop starting",
		"transports", len(d.transports),
		"interval", d.opts.Interval,
		"exit_when_idle", d.opts.ExitWhenIdle,
	)

	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = d.governor.Wait(ctx, last, d.opts.Interval)

		claim, err := d.store.ClaimNext(ctx)
		switch {
		case errors.Is(err, types.ErrNoRequests):
			if d.opts.ExitWhenIdle {
				d.logger.Info("queue drained, exiting")
				return nil
			}
			d.idle(ctx)
			continue
		case errors.Is(err, types.ErrClaimLost):
			d.metrics.ClaimRaces.Add(1)
			d.logger.Debug("claim lost to another dispatcher")
			continue
		case err != nil:
			return fmt.Errorf("claim next request: %w", err)
		}
		d.metrics.Claims.Add(1)

		if err := d.dispatch(ctx, claim); err != nil {
			return err
		}
	}
}

// dispatch fetches one claimed request and pushes the payload into
// ingestion. The round-robin cursor advances whether or not the fetch
// succeeds, so a failing fetcher cannot pin the rotation.
func (d *Dispatcher) dispatch(ctx context.Context, claim *types.Claim) error {
	transport := d.transports[d.rr]
	fID := d.fetcherIDs[d.rr]
	d.rr = (d.rr + 1) % len(d.transports)

	window := FormatWindow(claim.WindowStart, claim.WindowEnd)
	d.logger.Info("dispatching request",
		"r_id", claim.RID,
		"k_id", claim.KID,
		"keyword", claim.Query,
		"geo", claim.GeoCode(),
		"window", window,
		"fetcher", transport.Name(),
	)

	raw, err := transport.Fetch(ctx, window, claim.Query, claim.GeoCode())
	fetchedAt := time.Now().UTC()
	if err != nil {
		return d.handleFetchError(claim, transport, err)
	}
	d.metrics.Fetches.Add(1)

	err = d.ingest.Ingest(ctx, claim, raw, fID, fetchedAt)
	switch {
	case err == nil:
		d.metrics.Ingested.Add(1)
		return nil
	case errors.Is(err, types.ErrUnreconstructibleLabels):
		d.metrics.ValidationFailures.Add(1)
		d.logger.Warn("payload failed validation, staging row kept",
			"r_id", claim.RID, "error", err)
		return nil
	default:
		return fmt.Errorf("ingest request %d: %w", claim.RID, err)
	}
}

// handleFetchError decides between retry-later and stop. A structured
// internal-server-error from the service is the one failure worth
// retrying: the request goes back to open and the loop moves on.
// Everything else (broken script, unreachable host, timeout) stops
// the dispatcher after releasing the claim.
func (d *Dispatcher) handleFetchError(claim *types.Claim, transport fetcher.Transport, err error) error {
	d.metrics.FetchErrors.Add(1)

	var respErr *types.FetcherResponseError
	if errors.As(err, &respErr) && respErr.Code == http.StatusInternalServerError {
		d.metrics.ServerErrors.Add(1)
		d.logger.Warn("service reported an internal error, releasing request",
			"r_id", claim.RID, "fetcher", transport.Name(), "error", err)
		d.release(claim.RID)
		return nil
	}

	d.logger.Error("fetch failed",
		"r_id", claim.RID, "fetcher", transport.Name(), "error", err)
	d.release(claim.RID)
	return fmt.Errorf("fetch request %d via %s: %w", claim.RID, transport.Name(), err)
}

// release rolls a claimed request back to open. It runs on its own
// context because the loop context may already be cancelled when the
// dispatcher is on its way down.
func (d *Dispatcher) release(rID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := d.store.Release(ctx, rID); err != nil {
		d.logger.Error("release failed, request stays running", "r_id", rID, "error", err)
		return
	}
	d.metrics.Releases.Add(1)
}

func (d *Dispatcher) idle(ctx context.Context) {
	d.logger.Debug("queue empty, idling", "sleep", d.opts.IdleSleep)
	select {
	case <-ctx.Done():
	case <-time.After(d.opts.IdleSleep):
	}
}

// internFetchers registers every transport in the fetchers table and
// remembers the row ids attributed to fetched payloads.
func (d *Dispatcher) internFetchers(ctx context.Context) error {
	d.fetcherIDs = make([]int64, len(d.transports))
	for i, tr := range d.transports {
		id, err := d.store.InternFetcher(ctx, tr.Name(), tr.Host(), d.opts.API)
		if err != nil {
			return fmt.Errorf("intern fetcher %s: %w", tr.Name(), err)
		}
		d.fetcherIDs[i] = id
	}
	return nil
}

// recoverStaging offers to replay payloads that were staged but never
// ingested, typically after a crash between fetch and ingestion.
// Declining keeps the rows parked; requests with a staged payload are
// never claimed again, so nothing is fetched twice either way.
func (d *Dispatcher) recoverStaging(ctx context.Context) error {
	staged, err := d.store.StagedPayloads(ctx)
	if err != nil {
		return fmt.Errorf("inspect staging table: %w", err)
	}
	if len(staged) == 0 {
		return nil
	}

	if !d.confirmReplay(len(staged)) {
		d.logger.Warn("staged payloads left in place", "count", len(staged))
		return nil
	}

	for _, sp := range staged {
		err := d.ingest.Replay(ctx, sp)
		switch {
		case err == nil:
			d.metrics.Replays.Add(1)
			d.logger.Info("staged payload replayed", "rfo_id", sp.RfoID, "r_id", sp.RID)
		case errors.Is(err, types.ErrUnreconstructibleLabels):
			d.metrics.ValidationFailures.Add(1)
			d.logger.Warn("staged payload failed validation, row kept",
				"rfo_id", sp.RfoID, "r_id", sp.RID, "error", err)
		default:
			return fmt.Errorf("replay staged payload %d: %w", sp.RfoID, err)
		}
	}
	return nil
}

// confirmReplay asks the operator whether to replay. Anything but an
// explicit yes declines, including EOF on a non-interactive run.
func (d *Dispatcher) confirmReplay(count int) bool {
	fmt.Fprintf(d.opts.PromptOut, "%d staged payloads present. Replay through ingestion? [y/N] ", count)
	line, err := bufio.NewReader(d.opts.Prompt).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
