// Package evaluation scores denoised scans against a reference scan.
package evaluation

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"octdenoise/internal/models"
	"octdenoise/pkg/intensity"
)

// entropyBins is the histogram resolution used for entropy
const entropyBins = 256

// Metrics holds the quality measures of one denoised scan
type Metrics struct {
	// PSNR is in dB with a peak of 1. Identical images give +Inf.
	PSNR float64 `json:"psnr"`

	// RMSE is the root mean square intensity error
	RMSE float64 `json:"rmse"`

	// SSIM is the global structural similarity, 1 for identical images
	SSIM float64 `json:"ssim"`

	// MI is a Gaussian estimate of the mutual information in nats
	MI float64 `json:"mi"`

	// EntropyDiff is the absolute difference of the histogram entropies in bits
	EntropyDiff float64 `json:"entropy_diff"`

	// CNR is the contrast-to-noise ratio of the denoised scan
	CNR float64 `json:"cnr"`
}

// MarshalJSON writes non-finite measures, such as the PSNR and MI of
// identical images, as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	finite := func(v float64) *float64 {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil
		}
		return &v
	}
	return json.Marshal(struct {
		PSNR        *float64 `json:"psnr"`
		RMSE        *float64 `json:"rmse"`
		SSIM        *float64 `json:"ssim"`
		MI          *float64 `json:"mi"`
		EntropyDiff *float64 `json:"entropy_diff"`
		CNR         *float64 `json:"cnr"`
	}{finite(m.PSNR), finite(m.RMSE), finite(m.SSIM), finite(m.MI), finite(m.EntropyDiff), finite(m.CNR)})
}

// Compare scores output against reference. The background used for the
// contrast-to-noise ratio is every pixel at or below the given percentile
// of output.
func Compare(output, reference *models.Scan, backgroundPercentile float64) (Metrics, error) {
	if err := models.CheckShapes(output.Shape, reference.Shape); err != nil {
		return Metrics{}, err
	}
	if len(output.Data) == 0 {
		return Metrics{}, errors.Wrap(models.ErrNoData, "compare empty scans")
	}
	a, b := output.Data, reference.Data
	return Metrics{
		PSNR:        PSNR(a, b),
		RMSE:        RMSE(a, b),
		SSIM:        SSIM(a, b),
		MI:          MutualInformation(a, b),
		EntropyDiff: EntropyDifference(a, b),
		CNR:         CNR(a, backgroundPercentile),
	}, nil
}

// Mean averages a set of metrics. Infinite PSNR and MI values, which
// identical images produce, are skipped; a measure that is infinite for every
// scan averages to +Inf.
func Mean(ms []Metrics) (Metrics, error) {
	if len(ms) == 0 {
		return Metrics{}, errors.Wrap(models.ErrNoData, "average metrics")
	}
	var out Metrics
	var finitePSNR, finiteMI int
	for _, m := range ms {
		if !math.IsInf(m.PSNR, 0) {
			out.PSNR += m.PSNR
			finitePSNR++
		}
		if !math.IsInf(m.MI, 0) {
			out.MI += m.MI
			finiteMI++
		}
		out.RMSE += m.RMSE
		out.SSIM += m.SSIM
		out.EntropyDiff += m.EntropyDiff
		out.CNR += m.CNR
	}
	n := float64(len(ms))
	out.PSNR = finiteMean(out.PSNR, finitePSNR)
	out.MI = finiteMean(out.MI, finiteMI)
	out.RMSE /= n
	out.SSIM /= n
	out.EntropyDiff /= n
	out.CNR /= n
	return out, nil
}

func finiteMean(sum float64, n int) float64 {
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}

// RMSE computes the root mean square error
func RMSE(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return floats.Distance(a, b, 2) / math.Sqrt(float64(len(a)))
}

// PSNR computes the peak signal-to-noise ratio for intensities in [0,1]
func PSNR(a, b []float64) float64 {
	rmse := RMSE(a, b)
	if rmse == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(1/rmse)
}

// SSIM computes a single-window structural similarity index
func SSIM(a, b []float64) float64 {
	const (
		dynamicRange = 1.0
		k1           = 0.01
		k2           = 0.03
	)
	c1 := (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 := (k2 * dynamicRange) * (k2 * dynamicRange)

	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	muA, varA := stat.MeanVariance(a, nil)
	muB, varB := stat.MeanVariance(b, nil)
	cov := stat.Covariance(a, b, nil)

	num := (2*muA*muB + c1) * (2*cov + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// MutualInformation estimates the mutual information of a and b assuming
// jointly Gaussian intensities: 0.5*log(varA*varB / det(cov)). Perfectly
// correlated inputs give +Inf.
func MutualInformation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	cov := stat.Covariance(a, b, nil)
	if varA <= 0 || varB <= 0 {
		return 0
	}
	det := varA*varB - cov*cov
	if det <= 1e-12*varA*varB {
		return math.Inf(1)
	}
	return 0.5 * math.Log(varA*varB/det)
}

// EntropyDifference is |H(a) - H(b)|
func EntropyDifference(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return math.Abs(Entropy(a) - Entropy(b))
}

// Entropy computes the Shannon entropy in bits of a 256-bin histogram
// spanning the data range. Constant data has zero entropy.
func Entropy(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	hist := make([]float64, entropyBins)
	width := (hi - lo) / entropyBins
	for _, v := range data {
		bin := int((v - lo) / width)
		if bin >= entropyBins {
			bin = entropyBins - 1
		}
		hist[bin]++
	}

	n := float64(len(data))
	var h float64
	for _, c := range hist {
		if c > 0 {
			p := c / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

// CNR computes |μf - μb| / sqrt(σf² + σb²) with the background taken as the
// pixels at or below the p-th percentile. It is zero when either region is
// empty or both are flat.
func CNR(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	thr := intensity.Percentile(data, p)
	var fg, bg []float64
	for _, v := range data {
		if v <= thr {
			bg = append(bg, v)
		} else {
			fg = append(fg, v)
		}
	}
	if len(fg) == 0 || len(bg) == 0 {
		return 0
	}
	muF, varF := meanVariance(fg)
	muB, varB := meanVariance(bg)
	noise := math.Sqrt(varF + varB)
	if noise == 0 {
		return 0
	}
	return math.Abs(muF-muB) / noise
}

func meanVariance(x []float64) (mean, variance float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanVariance(x, nil)
}
