package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a batch of single-channel images laid out as (batch, 1, H, W)
// in one row-major buffer.
type Tensor struct {
	Batch int
	Shape Shape
	Data  []float64
}

// NewTensor allocates a zero tensor
func NewTensor(batch int, shape Shape) *Tensor {
	return &Tensor{
		Batch: batch,
		Shape: shape,
		Data:  make([]float64, batch*shape.Size()),
	}
}

// TensorFromScans stacks scans of equal shape into a batch
func TensorFromScans(scans ...*Scan) (*Tensor, error) {
	if len(scans) == 0 {
		return nil, errors.Wrap(ErrNoData, "empty batch")
	}
	shape := scans[0].Shape
	t := NewTensor(len(scans), shape)
	for i, s := range scans {
		if err := CheckShapes(shape, s.Shape); err != nil {
			return nil, errors.Wrapf(err, "batch item %d", i)
		}
		copy(t.Image(i), s.Data)
	}
	return t, nil
}

// Image returns the backing slice of batch item i
func (t *Tensor) Image(i int) []float64 {
	n := t.Shape.Size()
	return t.Data[i*n : (i+1)*n]
}

// Scan copies batch item i out as a scan
func (t *Tensor) Scan(i int) *Scan {
	s := NewScan(t.Shape)
	copy(s.Data, t.Image(i))
	s.Index = i
	return s
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Batch, t.Shape)
	copy(c.Data, t.Data)
	return c
}

// ZerosLike returns a zero tensor with the same layout as t
func (t *Tensor) ZerosLike() *Tensor {
	return NewTensor(t.Batch, t.Shape)
}

// SameLayout fails with ErrShapeMismatch unless o has the same batch and grid
func (t *Tensor) SameLayout(o *Tensor) error {
	if t.Batch != o.Batch || t.Shape != o.Shape {
		return errors.Wrapf(ErrShapeMismatch, "%s vs %s", t, o)
	}
	return nil
}

// MulMask returns t multiplied, per image, by a single-image mask
func (t *Tensor) MulMask(mask []float64) (*Tensor, error) {
	n := t.Shape.Size()
	if len(mask) != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "mask of %d pixels on %s", len(mask), t)
	}
	out := t.ZerosLike()
	for b := 0; b < t.Batch; b++ {
		src := t.Image(b)
		dst := out.Image(b)
		for i, m := range mask {
			dst[i] = src[i] * m
		}
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("(%d,1,%d,%d)", t.Batch, t.Shape.Height, t.Shape.Width)
}
