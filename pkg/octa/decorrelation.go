// Package octa synthesizes OCT-angiography pseudo-targets from sequences of
// B-scans. Adjacent scans of the same location are compared pixel by pixel;
// regions whose signal changes between scans (flow) light up, static tissue
// stays dark.
package octa

import (
	"github.com/pkg/errors"

	"octdenoise/internal/models"
)

// DefaultEpsilon keeps the decorrelation denominator away from zero on pure
// background pixels.
const DefaultEpsilon = 1e-6

// Decorrelate computes the per-pixel decorrelation map of two aligned scans:
//
//	(a-b)^2 / (a^2 + b^2 + eps)
//
// The map is symmetric in a and b, lies in [0,1] for inputs in [0,1] and is
// zero wherever the scans agree.
func Decorrelate(a, b *models.Scan, eps float64) (*models.Scan, error) {
	if err := models.CheckShapes(a.Shape, b.Shape); err != nil {
		return nil, errors.Wrap(err, "decorrelate")
	}
	if len(a.Data) != a.Shape.Size() || len(b.Data) != b.Shape.Size() {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "decorrelate: buffers of %d and %d pixels for %s",
			len(a.Data), len(b.Data), a.Shape)
	}

	out := models.NewScan(a.Shape)
	out.Index = a.Index
	for i, av := range a.Data {
		bv := b.Data[i]
		d := av - bv
		out.Data[i] = d * d / (av*av + bv*bv + eps)
	}
	return out, nil
}
