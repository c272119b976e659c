package stitch

import (
	"log/slog"
	"time"

	"github.com/siftlab/sift/internal/timeline"
	"github.com/siftlab/sift/internal/types"
)

// Averaged is one deduplicated observation window: every stored
// fragment with the same bounds collapsed into a single mean vector,
// with the sample labels reconstructed from the bounds. RID is the
// smallest request id of the collapsed group and identifies the
// window in logs.
type Averaged struct {
	RID    int64
	Start  time.Time
	End    time.Time
	Labels []time.Time
	Values []float64
}

// Average collapses fragments that observed the same window. Repeated
// observations of one window are sampled from the same population, so
// their element-wise mean is a better estimate than any single one.
// Windows whose fragments disagree on sample count and windows whose
// labels cannot be reconstructed are dropped with a warning; they
// cannot be compared against anything else. Windows with no samples at
// all are kept with empty labels, so layering still sees the break.
func Average(frags []types.Fragment, logger *slog.Logger) []Averaged {
	type window struct{ start, end int64 }
	groups := make(map[window][]types.Fragment)
	var order []window
	for _, f := range frags {
		w := window{f.Start.Unix(), f.End.Unix()}
		if _, seen := groups[w]; !seen {
			order = append(order, w)
		}
		groups[w] = append(groups[w], f)
	}

	out := make([]Averaged, 0, len(order))
	for _, w := range order {
		g := groups[w]
		rid := g[0].RID
		for _, f := range g[1:] {
			if f.RID < rid {
				rid = f.RID
			}
		}
		n := len(g[0].Values)

		consistent := true
		for _, f := range g[1:] {
			if len(f.Values) != n {
				consistent = false
				break
			}
		}
		if !consistent {
			logger.Warn("window has inconsistent sample counts, dropping it",
				"r_id", rid, "start", g[0].Start, "end", g[0].End, "fragments", len(g))
			continue
		}
		if n == 0 {
			out = append(out, Averaged{RID: rid, Start: g[0].Start, End: g[0].End})
			continue
		}

		labels, err := timeline.Restore(g[0].Start, g[0].End, n)
		if err != nil {
			logger.Warn("cannot reconstruct window labels, dropping it",
				"r_id", rid, "start", g[0].Start, "end", g[0].End, "samples", n, "error", err)
			continue
		}

		values := make([]float64, n)
		for _, f := range g {
			for i, v := range f.Values {
				values[i] += float64(v)
			}
		}
		for i := range values {
			values[i] /= float64(len(g))
		}

		out = append(out, Averaged{
			RID:    rid,
			Start:  g[0].Start,
			End:    g[0].End,
			Labels: labels,
			Values: values,
		})
	}
	return out
}
