package octa

import (
	"math"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/intensity"
)

// ThresholdPolicy names the branch taken when suppressing background
type ThresholdPolicy int

const (
	// SoftMask scales the map by clamp((oct - thr) / (2*std), 0, 1) where
	// thr = mean + 2*std of the background pixels.
	SoftMask ThresholdPolicy = iota

	// PercentileFallback is used when no pixel of the source scan lies below
	// the percentile. The percentile value is the threshold and the map is
	// kept only where the source scan exceeds it.
	PercentileFallback
)

func (p ThresholdPolicy) String() string {
	switch p {
	case SoftMask:
		return "soft-mask"
	case PercentileFallback:
		return "percentile-fallback"
	default:
		return "unknown"
	}
}

// minSoftWidth keeps the soft-mask ramp finite when the background is flat
const minSoftWidth = 1e-12

// ThresholdResult reports how a map was thresholded
type ThresholdResult struct {
	Policy    ThresholdPolicy
	Threshold float64
	BgMean    float64
	BgStd     float64
}

// ApplyBackgroundThreshold suppresses the parts of octaMap where the source
// scan is background. Background statistics come from the pixels of source
// below the p-th percentile.
func ApplyBackgroundThreshold(octaMap, source *models.Scan, p float64) (*models.Scan, ThresholdResult, error) {
	if err := models.CheckShapes(octaMap.Shape, source.Shape); err != nil {
		return nil, ThresholdResult{}, errors.Wrap(err, "threshold")
	}

	mean, std, pct, ok := intensity.BackgroundStats(source.Data, p)
	out := octaMap.Clone()

	if !ok {
		res := ThresholdResult{Policy: PercentileFallback, Threshold: pct}
		for i, v := range source.Data {
			if v <= pct {
				out.Data[i] = 0
			}
		}
		return out, res, nil
	}

	res := ThresholdResult{
		Policy:    SoftMask,
		Threshold: mean + 2*std,
		BgMean:    mean,
		BgStd:     std,
	}
	width := math.Max(2*std, minSoftWidth)
	for i, v := range source.Data {
		m := (v - res.Threshold) / width
		out.Data[i] *= math.Max(0, math.Min(1, m))
	}
	return out, res, nil
}
