package stitch

import (
	"fmt"

	"github.com/siftlab/sift/internal/types"
)

// Anchor makes disjoint hourly layers comparable by rescaling each one
// against a continuous daily series covering the same span, then
// merges them. A layer's scale is the ratio between the mean of the
// daily samples inside the layer's span and the layer's own mean.
// Later layers win on shared labels. The merged series is normalized
// to peak at 100.
func Anchor(layers []*Series, daily *Series) (*Series, error) {
	merged := make(map[int64]float64)
	for _, layer := range layers {
		first := layer.Labels[0]
		last := layer.Labels[len(layer.Labels)-1]

		layerMean := mean(layer.Values)
		if layerMean == 0 {
			return nil, fmt.Errorf("layer %v..%v has zero mean: %w", first, last, types.ErrNoAnchor)
		}

		var sum float64
		var n int
		for i, l := range daily.Labels {
			if !l.Before(first) && !l.After(last) {
				sum += daily.Values[i]
				n++
			}
		}
		if n == 0 {
			return nil, fmt.Errorf("no daily samples between %v and %v: %w", first, last, types.ErrNoAnchor)
		}
		anchorMean := sum / float64(n)
		if anchorMean <= 0 {
			return nil, fmt.Errorf("daily anchor between %v and %v is all zero: %w", first, last, types.ErrNoAnchor)
		}

		scale := anchorMean / layerMean
		for i, l := range layer.Labels {
			merged[l.Unix()] = layer.Values[i] * scale
		}
	}
	return normalize(merged)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
