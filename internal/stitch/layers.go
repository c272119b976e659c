package stitch

import (
	"fmt"
	"sort"
	"time"
)

// Mode controls how fragment boundaries are treated while layering and
// stitching.
type Mode struct {
	// SplitNoOverlap starts a new layer at a fragment that shares no
	// labels with its predecessor.
	SplitNoOverlap bool
	// SplitZeroMax starts a new layer at a fragment whose overlap with
	// its predecessor is all zero on either side. Scaling against
	// zeros is meaningless.
	SplitZeroMax bool
}

var (
	// ModeDefault splits at gaps and at all-zero overlaps.
	ModeDefault = Mode{SplitNoOverlap: true, SplitZeroMax: true}
	// ModeAnchor tolerates gaps but still refuses all-zero overlaps.
	// Used for the daily series that anchors hourly layers.
	ModeAnchor = Mode{SplitZeroMax: true}
	// ModeConcat never splits. Used as the degraded fallback when no
	// daily anchor data exists.
	ModeConcat = Mode{}
)

// Series is one continuous stitched time series, normalized so its
// peak is 100.
type Series struct {
	Labels []time.Time
	Values []float64
}

// Layerize partitions averaged windows into runs that can each be
// stitched into one continuous series. Windows are walked in label
// order; one that cannot be scaled against its predecessor under the
// mode opens a new layer. An empty window is the extreme no-overlap
// case: it joins no layer, and under SplitNoOverlap it still closes
// the one before it.
func Layerize(frags []Averaged, mode Mode) [][]Averaged {
	sorted := make([]Averaged, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		return firstLabel(sorted[i]).Before(firstLabel(sorted[j]))
	})

	var layers [][]Averaged
	closed := false
	for _, f := range sorted {
		if len(f.Labels) == 0 {
			if mode.SplitNoOverlap {
				closed = true
			}
			continue
		}
		if len(layers) == 0 || closed {
			layers = append(layers, []Averaged{f})
			closed = false
			continue
		}
		last := layers[len(layers)-1]
		prev := last[len(last)-1]

		shared, maxPrev, maxNew := sharedMax(prev, f)
		split := false
		switch {
		case shared == 0:
			split = mode.SplitNoOverlap
		case maxPrev == 0 || maxNew == 0:
			split = mode.SplitZeroMax
		}
		if split {
			layers = append(layers, []Averaged{f})
		} else {
			layers[len(layers)-1] = append(last, f)
		}
	}
	return layers
}

// firstLabel orders windows for layering. An empty window has no
// labels to order by, so its start bound stands in.
func firstLabel(f Averaged) time.Time {
	if len(f.Labels) == 0 {
		return f.Start
	}
	return f.Labels[0]
}

// sharedMax returns how many labels f shares with prev and the largest
// value each side takes on that shared region.
func sharedMax(prev, f Averaged) (int, float64, float64) {
	prevVals := make(map[int64]float64, len(prev.Labels))
	for i, l := range prev.Labels {
		prevVals[l.Unix()] = prev.Values[i]
	}
	var shared int
	var maxPrev, maxNew float64
	for i, l := range f.Labels {
		pv, ok := prevVals[l.Unix()]
		if !ok {
			continue
		}
		shared++
		if pv > maxPrev {
			maxPrev = pv
		}
		if f.Values[i] > maxNew {
			maxNew = f.Values[i]
		}
	}
	return shared, maxPrev, maxNew
}

// StitchLayer merges one layer into a single continuous series. Each
// window is scaled so its values agree with the accumulated series on
// the labels they share; on shared labels the accumulated value wins.
// A window with no scaling signal on the shared region is an error
// under the mode's split flags and joins unscaled otherwise. The
// result is normalized to peak at 100.
func StitchLayer(layer []Averaged, mode Mode) (*Series, error) {
	acc := make(map[int64]float64)
	for i, f := range layer {
		if i == 0 {
			for j, l := range f.Labels {
				acc[l.Unix()] = f.Values[j]
			}
			continue
		}

		var maxAcc, maxNew float64
		var shared int
		for j, l := range f.Labels {
			av, ok := acc[l.Unix()]
			if !ok {
				continue
			}
			shared++
			if av > maxAcc {
				maxAcc = av
			}
			if f.Values[j] > maxNew {
				maxNew = f.Values[j]
			}
		}

		scale := 1.0
		switch {
		case shared == 0:
			if mode.SplitNoOverlap {
				return nil, fmt.Errorf("window %s shares no labels with the accumulated series",
					windowName(f))
			}
		case maxNew == 0:
			if mode.SplitZeroMax {
				return nil, fmt.Errorf("window %s is all zero on the shared region", windowName(f))
			}
		case maxAcc == 0:
			if mode.SplitZeroMax {
				return nil, fmt.Errorf("accumulated series is all zero on the region shared with window %s",
					windowName(f))
			}
		default:
			scale = maxAcc / maxNew
		}
		if scale == 0 {
			return nil, fmt.Errorf("window %s cannot be scaled against the accumulated series",
				windowName(f))
		}

		for j, l := range f.Labels {
			if _, ok := acc[l.Unix()]; !ok {
				acc[l.Unix()] = f.Values[j] * scale
			}
		}
	}
	return normalize(acc)
}

// normalize turns an accumulated label map into an ordered series with
// its peak scaled to 100.
func normalize(acc map[int64]float64) (*Series, error) {
	if len(acc) == 0 {
		return nil, fmt.Errorf("nothing to normalize")
	}
	keys := make([]int64, 0, len(acc))
	var max float64
	for k, v := range acc {
		keys = append(keys, k)
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return nil, fmt.Errorf("cannot normalize an all-zero series")
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	s := &Series{
		Labels: make([]time.Time, len(keys)),
		Values: make([]float64, len(keys)),
	}
	for i, k := range keys {
		s.Labels[i] = time.Unix(k, 0).UTC()
		s.Values[i] = acc[k] * 100 / max
	}
	return s, nil
}

func windowName(f Averaged) string {
	const layout = "2006-01-02T15:04:05"
	return fmt.Sprintf("r_id=%d %s..%s", f.RID, f.Start.Format(layout), f.End.Format(layout))
}
