// Package timeline reconstructs the timestamps the upstream service
// implicitly attaches to the samples of a bounded window. The service
// returns bare value vectors; the cadence has to be recovered from the
// window bounds and the sample count.
package timeline

import (
	"fmt"
	"time"

	"github.com/siftlab/sift/internal/types"
)

// Supported sample cadences. The service never emits anything between
// these; an off-grid cadence means the payload is not trustworthy.
var steps = []time.Duration{
	time.Minute,
	8 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// tolerance absorbs sub-second jitter in stored window bounds.
const tolerance = time.Second

type cadence struct {
	step   time.Duration
	offset time.Duration
}

// match finds the unique cadence for a window of n samples. Two label
// forms exist: inclusive, where the first label sits on window-start
// and the last on window-end ((n-1)*step == duration), and half-step
// offset, where n samples tile the window and each label marks its
// sample's midpoint (n*step == duration, first label at start+step/2).
func match(start, end time.Time, n int) (cadence, error) {
	dur := end.Sub(start)
	if dur <= 0 {
		return cadence{}, fmt.Errorf("window %v..%v: %w", start, end, types.ErrUnreconstructibleLabels)
	}

	var found []cadence
	for _, s := range steps {
		if n > 1 && within(dur, time.Duration(n-1)*s) {
			found = append(found, cadence{step: s})
		}
		if within(dur, time.Duration(n)*s) {
			found = append(found, cadence{step: s, offset: s / 2})
		}
	}

	if len(found) != 1 {
		return cadence{}, fmt.Errorf("window %s with %d samples: %w", dur, n, types.ErrUnreconstructibleLabels)
	}
	return found[0], nil
}

func within(a, b time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// Restore reconstructs the ordered label sequence for a window of n
// samples. It is pure: the same inputs always produce the same labels
// or the same error. Zero samples restore to an empty sequence.
func Restore(start, end time.Time, n int) ([]time.Time, error) {
	if n == 0 {
		return nil, nil
	}
	c, err := match(start, end, n)
	if err != nil {
		return nil, err
	}
	labels := make([]time.Time, n)
	for i := range labels {
		labels[i] = start.Add(c.offset + time.Duration(i)*c.step)
	}
	return labels, nil
}

// Resolution classifies a stored window by its inter-label step and
// returns the matching reserved request tag. Windows with cadences
// other than hourly or daily carry no resolution tag.
func Resolution(start, end time.Time, n int) (string, bool) {
	if n == 0 {
		return "", false
	}
	c, err := match(start, end, n)
	if err != nil {
		return "", false
	}
	switch c.step {
	case time.Hour:
		return types.TagHourly, true
	case 24 * time.Hour:
		return types.TagDaily, true
	}
	return "", false
}
