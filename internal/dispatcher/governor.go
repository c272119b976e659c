package dispatcher

import (
	"context"
	"time"
)

// pollQuantum is the sleep slice used while waiting out the pacing
// interval. Short enough that shutdown stays responsive.
const pollQuantum = 100 * time.Millisecond

// Governor paces dispatches so the fetcher fleet as a whole stays
// inside the upstream service's tolerance. The clock and sleeper are
// injectable for tests.
type Governor struct {
	now   func() time.Time
	sleep func(time.Duration)
}

func NewGovernor() *Governor {
	return &Governor{now: time.Now, sleep: time.Sleep}
}

// Wait blocks until at least interval has passed since last and
// returns the timestamp of the dispatch it green-lights. A zero last
// means nothing has been dispatched yet and passes immediately.
// Cancelling the context ends the wait early.
func (g *Governor) Wait(ctx context.Context, last time.Time, interval time.Duration) time.Time {
	if last.IsZero() {
		return g.now()
	}
	for g.now().Sub(last) < interval {
		if ctx.Err() != nil {
			break
		}
		g.sleep(pollQuantum)
	}
	return g.now()
}

// DispatchInterval derives the pacing interval from the number of
// active transports. With the round-robin rotation this works out to
// one request per transport every 60+N seconds, keeping every fetcher
// identity under one request a minute with a little slack.
func DispatchInterval(transports int) time.Duration {
	if transports < 1 {
		transports = 1
	}
	return time.Duration((60.0/float64(transports) + 1.0) * float64(time.Second))
}
