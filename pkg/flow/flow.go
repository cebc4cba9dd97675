// Package flow extracts a flow-like component from OCT scans with a fixed
// frequency-domain band-pass filter. The extractor has no trainable state,
// so its outputs carry no gradient.
package flow

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"

	"octdenoise/internal/models"
)

// Component is the key of the flow map returned by Extract
const Component = "flow_component"

// Extractor decomposes a batch into named component maps of the same layout
type Extractor interface {
	Extract(x *models.Tensor) (map[string]*models.Tensor, error)
}

// BandPass keeps the spatial frequencies between a low and a high Gaussian
// cut-off. Frequencies are normalised so the Nyquist radius is 1.
type BandPass struct {
	Low  float64
	High float64

	mu      sync.Mutex
	filters map[models.Shape][]float64
	rows    map[int]*fourier.CmplxFFT
}

// NewBandPass returns a band-pass extractor. low must be below high.
func NewBandPass(low, high float64) (*BandPass, error) {
	if low <= 0 || high <= low {
		return nil, errors.Errorf("invalid band (%g, %g)", low, high)
	}
	return &BandPass{
		Low:     low,
		High:    high,
		filters: make(map[models.Shape][]float64),
		rows:    make(map[int]*fourier.CmplxFFT),
	}, nil
}

// Default is the band used when no extractor is configured explicitly
func Default() *BandPass {
	b, _ := NewBandPass(0.05, 0.35)
	return b
}

// Response is the filter gain at normalised radius r. It is a difference of
// Gaussians, so the DC component is removed exactly.
func (b *BandPass) Response(r float64) float64 {
	return math.Exp(-r*r/(2*b.High*b.High)) - math.Exp(-r*r/(2*b.Low*b.Low))
}

func (b *BandPass) Extract(x *models.Tensor) (map[string]*models.Tensor, error) {
	if x.Batch == 0 {
		return nil, errors.Wrap(models.ErrNoData, "empty batch")
	}
	filter, rowFFT, colFFT := b.plan(x.Shape)

	h, w := x.Shape.Height, x.Shape.Width
	out := x.ZerosLike()
	freq := make([]complex128, h*w)
	row := make([]complex128, w)
	col := make([]complex128, h)

	for n := 0; n < x.Batch; n++ {
		img := x.Image(n)
		for i, v := range img {
			freq[i] = complex(v, 0)
		}
		transform2D(freq, h, w, row, col, rowFFT.Coefficients, colFFT.Coefficients)
		for i, g := range filter {
			freq[i] *= complex(g, 0)
		}
		transform2D(freq, h, w, row, col, rowFFT.Sequence, colFFT.Sequence)

		dst := out.Image(n)
		scale := 1 / float64(h*w)
		for i, c := range freq {
			dst[i] = cmplx.Abs(c) * scale
		}
	}
	return map[string]*models.Tensor{Component: out}, nil
}

// plan returns the cached filter and FFT plans for shape
func (b *BandPass) plan(shape models.Shape) ([]float64, *fourier.CmplxFFT, *fourier.CmplxFFT) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filters == nil {
		b.filters = make(map[models.Shape][]float64)
		b.rows = make(map[int]*fourier.CmplxFFT)
	}
	filter, ok := b.filters[shape]
	if !ok {
		filter = b.buildFilter(shape)
		b.filters[shape] = filter
	}
	return filter, b.fft(shape.Width), b.fft(shape.Height)
}

func (b *BandPass) fft(n int) *fourier.CmplxFFT {
	f, ok := b.rows[n]
	if !ok {
		f = fourier.NewCmplxFFT(n)
		b.rows[n] = f
	}
	return f
}

// buildFilter lays the radial response out in unshifted FFT order
func (b *BandPass) buildFilter(shape models.Shape) []float64 {
	h, w := shape.Height, shape.Width
	filter := make([]float64, h*w)
	for i := 0; i < h; i++ {
		fy := signedFrequency(i, h)
		for j := 0; j < w; j++ {
			fx := signedFrequency(j, w)
			filter[i*w+j] = b.Response(math.Sqrt(fx*fx + fy*fy))
		}
	}
	return filter
}

// signedFrequency maps FFT bin k of n to [-1, 1], 1 being Nyquist
func signedFrequency(k, n int) float64 {
	if k > n/2 {
		k -= n
	}
	if n < 2 {
		return 0
	}
	return float64(k) / (float64(n) / 2)
}

// transform2D runs rowOp over every row then colOp over every column, in place
func transform2D(data []complex128, h, w int, row, col []complex128, rowOp, colOp func(dst, src []complex128) []complex128) {
	for i := 0; i < h; i++ {
		copy(row, data[i*w:(i+1)*w])
		rowOp(data[i*w:(i+1)*w], row)
	}
	for j := 0; j < w; j++ {
		for i := 0; i < h; i++ {
			col[i] = data[i*w+j]
		}
		out := colOp(nil, col)
		for i := 0; i < h; i++ {
			data[i*w+j] = out[i]
		}
	}
}
