// Package intensity holds the intensity statistics shared by pseudo-target
// synthesis and both training schemes: percentiles, foreground-aware min-max
// normalisation and statistic matching between an output and its target.
package intensity

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"octdenoise/internal/models"
)

// DefaultForegroundFloor is the intensity below which a pixel counts as background
const DefaultForegroundFloor = 0.01

// DefaultStdEpsilon floors standard deviations in MatchStatistics
const DefaultStdEpsilon = 1e-8

// Percentile returns the p-th percentile (p in [0,100]) of data, linearly
// interpolated at rank (n-1)*p/100 of the sorted values. This is the default
// method of numpy.percentile.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	rank := clamp(p/100, 0, 1) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// NormalizeForeground rescales the foreground of data and returns a new slice.
//
// Pixels below floor are background and are forced to exactly 0. The
// remaining pixels are rescaled linearly so the foreground minimum lands on
// floor and the maximum on 1, using foreground-only extrema. An image with no
// pixel at or above floor is returned unchanged. Applying the function twice
// gives the same result as applying it once.
func NormalizeForeground(data []float64, floor float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if v >= floor {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		// all background: pass through
		return out
	}

	scale := 0.0
	if hi > lo {
		scale = (1 - floor) / (hi - lo)
	}
	for i, v := range out {
		switch {
		case v < floor:
			out[i] = 0
		case scale > 0:
			out[i] = clamp(floor+(v-lo)*scale, floor, 1)
		}
	}
	return out
}

// NormalizeForegroundTensor applies NormalizeForeground to the whole tensor buffer
func NormalizeForegroundTensor(t *models.Tensor, floor float64) *models.Tensor {
	out := &models.Tensor{Batch: t.Batch, Shape: t.Shape}
	out.Data = NormalizeForeground(t.Data, floor)
	return out
}

// MatchStatistics shifts and scales output so that its mean and standard
// deviation equal those of target:
//
//	(output - mean(output)) * std(target)/std(output) + mean(target)
//
// Both standard deviations are floored at eps. Statistics are taken over the
// whole tensor. The returned gain is std(target)/std(output); pass it to
// MatchStatisticsGrad for the backward pass.
func MatchStatistics(output, target *models.Tensor, eps float64) (*models.Tensor, float64, error) {
	if err := output.SameLayout(target); err != nil {
		return nil, 0, errors.Wrap(err, "match statistics")
	}
	outMean, outStd := stat.MeanStdDev(output.Data, nil)
	tgtMean, tgtStd := stat.MeanStdDev(target.Data, nil)
	if len(output.Data) < 2 {
		outStd, tgtStd = 0, 0
	}
	outStd = math.Max(outStd, eps)
	tgtStd = math.Max(tgtStd, eps)
	gain := math.Abs(tgtStd / outStd)

	matched := output.ZerosLike()
	for i, v := range output.Data {
		matched.Data[i] = (v-outMean)*gain + tgtMean
	}
	return matched, gain, nil
}

// BackgroundStats classifies the pixels of scan strictly below the p-th
// percentile as background and returns their population mean and standard
// deviation. ok is false when no pixel falls below the percentile; the
// percentile value itself is returned as threshold in every case.
func BackgroundStats(data []float64, p float64) (mean, std, threshold float64, ok bool) {
	threshold = Percentile(data, p)
	background := make([]float64, 0, len(data)/4)
	for _, v := range data {
		if v < threshold {
			background = append(background, v)
		}
	}
	if len(background) == 0 {
		return 0, 0, threshold, false
	}
	mean, std = stat.PopMeanStdDev(background, nil)
	return mean, std, threshold, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// MatchStatisticsGrad maps d(loss)/d(matched) back to d(loss)/d(output),
// including the dependence of the output mean and deviation on every
// element. A floored deviation is treated as a constant.
func MatchStatisticsGrad(output, grad *models.Tensor, gain, eps float64) (*models.Tensor, error) {
	if err := output.SameLayout(grad); err != nil {
		return nil, errors.Wrap(err, "match statistics gradient")
	}
	n := float64(len(output.Data))
	gMean := stat.Mean(grad.Data, nil)
	outMean, outStd := stat.MeanStdDev(output.Data, nil)
	floored := len(output.Data) < 2 || outStd < eps

	var proj float64
	if !floored {
		for i, v := range output.Data {
			proj += grad.Data[i] * (v - outMean) / outStd
		}
		proj /= n - 1
	}

	dx := output.ZerosLike()
	for i, v := range output.Data {
		d := grad.Data[i] - gMean
		if !floored {
			d -= (v - outMean) / outStd * proj
		}
		dx.Data[i] = gain * d
	}
	return dx, nil
}
