package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFromData(t *testing.T) {
	s, err := ScanFromData([]float64{1, 2, 3, 4, 5, 6}, Shape{Height: 2, Width: 3})
	require.NoError(t, err)
	assert.Equal(t, 6.0, s.At(1, 2))
	s.Set(0, 1, 9)
	assert.Equal(t, 9.0, s.Data[1])

	_, err = ScanFromData([]float64{1, 2}, Shape{Height: 2, Width: 3})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestScanCloneAndFinite(t *testing.T) {
	s := NewScan(Shape{Height: 2, Width: 2})
	s.Filename = "a.tif"
	c := s.Clone()
	c.Data[0] = 1
	assert.Equal(t, 0.0, s.Data[0])
	assert.Equal(t, "a.tif", c.Filename)

	assert.True(t, s.Finite())
	s.Data[3] = math.Inf(-1)
	assert.False(t, s.Finite())
}

func TestSequenceShape(t *testing.T) {
	seq := &ScanSequence{Source: "p1"}
	_, err := seq.Shape()
	assert.ErrorIs(t, err, ErrNoData)

	seq.Scans = []*Scan{NewScan(Shape{Height: 2, Width: 2}), NewScan(Shape{Height: 2, Width: 2})}
	shape, err := seq.Shape()
	require.NoError(t, err)
	assert.Equal(t, Shape{Height: 2, Width: 2}, shape)

	seq.Scans = append(seq.Scans, NewScan(Shape{Height: 3, Width: 2}))
	_, err = seq.Shape()
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLevelGroup(t *testing.T) {
	g := &LevelGroup{Levels: []*Scan{NewScan(Shape{1, 1}), NewScan(Shape{1, 1}), NewScan(Shape{1, 1})}}
	assert.Same(t, g.Levels[0], g.Input())
	assert.Len(t, g.Targets(), 2)
	assert.Same(t, g.Levels[2], g.Targets()[1])
}

func TestTensorFromScans(t *testing.T) {
	a, _ := ScanFromData([]float64{1, 2}, Shape{Height: 1, Width: 2})
	b, _ := ScanFromData([]float64{3, 4}, Shape{Height: 1, Width: 2})
	x, err := TensorFromScans(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, x.Data)
	assert.Equal(t, []float64{3, 4}, x.Image(1))
	assert.Equal(t, "(2,1,1,2)", x.String())

	s := x.Scan(1)
	s.Data[0] = 0
	assert.Equal(t, 3.0, x.Data[2])
	assert.Equal(t, 1, s.Index)

	_, err = TensorFromScans()
	assert.ErrorIs(t, err, ErrNoData)
	_, err = TensorFromScans(a, NewScan(Shape{Height: 2, Width: 1}))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTensorLayoutAndMask(t *testing.T) {
	x := NewTensor(2, Shape{Height: 1, Width: 3})
	copy(x.Data, []float64{1, 2, 3, 4, 5, 6})

	masked, err := x.MulMask([]float64{1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 3, 4, 0, 6}, masked.Data)

	_, err = x.MulMask([]float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	assert.NoError(t, x.SameLayout(x.ZerosLike()))
	assert.ErrorIs(t, x.SameLayout(NewTensor(1, x.Shape)), ErrShapeMismatch)

	c := x.Clone()
	c.Data[0] = 7
	assert.Equal(t, 1.0, x.Data[0])
}
