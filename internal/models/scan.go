package models

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when two images that must be paired have different grids.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNoData is returned when a scan source yields no usable images.
	ErrNoData = errors.New("no data for this source")
)

// Shape is the spatial size of a 2D image grid
type Shape struct {
	Height int
	Width  int
}

// Size returns the number of pixels in the grid
func (s Shape) Size() int {
	return s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// CheckShapes fails with ErrShapeMismatch when the two shapes differ
func CheckShapes(a, b Shape) error {
	if a != b {
		return errors.Wrapf(ErrShapeMismatch, "%s vs %s", a, b)
	}
	return nil
}

// Scan represents a single OCT B-scan with metadata
type Scan struct {
	// Data is the image as a row-major array, values intended to lie in [0,1]
	Data []float64

	// Shape is the grid size of Data
	Shape Shape

	// Index is the position of this scan in its sequence
	Index int

	// Filename is the original filename of the scan, if it came from disk
	Filename string
}

// NewScan allocates a zero-valued scan with the given shape
func NewScan(shape Shape) *Scan {
	return &Scan{
		Data:  make([]float64, shape.Size()),
		Shape: shape,
	}
}

// ScanFromData wraps data in a scan, checking that the length matches the shape
func ScanFromData(data []float64, shape Shape) (*Scan, error) {
	if len(data) != shape.Size() {
		return nil, errors.Wrapf(ErrShapeMismatch, "data length %d does not fit %s", len(data), shape)
	}
	return &Scan{Data: data, Shape: shape}, nil
}

// At returns the value at row y, column x
func (s *Scan) At(y, x int) float64 {
	return s.Data[y*s.Shape.Width+x]
}

// Set stores v at row y, column x
func (s *Scan) Set(y, x int, v float64) {
	s.Data[y*s.Shape.Width+x] = v
}

// Clone returns a deep copy of the scan
func (s *Scan) Clone() *Scan {
	c := *s
	c.Data = make([]float64, len(s.Data))
	copy(c.Data, s.Data)
	return &c
}

// Finite reports whether every value in the scan is a real number
func (s *Scan) Finite() bool {
	for _, v := range s.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ScanSequence is an ordered run of scans from the same volume.
// Adjacent scans are spatially adjacent.
type ScanSequence struct {
	Scans []*Scan

	// Source names where the sequence came from (a directory, a patient id)
	Source string
}

// Len returns the number of scans
func (q *ScanSequence) Len() int {
	return len(q.Scans)
}

// Shape returns the common grid shape of the sequence. It fails if the
// sequence is empty or if any scan disagrees with the first.
func (q *ScanSequence) Shape() (Shape, error) {
	if len(q.Scans) == 0 {
		return Shape{}, errors.Wrapf(ErrNoData, "sequence %q", q.Source)
	}
	shape := q.Scans[0].Shape
	for i, s := range q.Scans[1:] {
		if err := CheckShapes(shape, s.Shape); err != nil {
			return Shape{}, errors.Wrapf(err, "scan %d of %q", i+1, q.Source)
		}
	}
	return shape, nil
}

// Pair is a supervised (input, target) sample built from a scan sequence
type Pair struct {
	Input  *Scan
	Target *Scan

	// Position is the sequence index of Input
	Position int
}

// LevelGroup holds one base image and its progressively fused levels.
// Levels[0] is the finest (the model input); increasing index means
// coarser fusion.
type LevelGroup struct {
	Levels []*Scan
	Names  []string
}

// Input returns the base level
func (g *LevelGroup) Input() *Scan {
	return g.Levels[0]
}

// Targets returns the fused levels the model must reconstruct
func (g *LevelGroup) Targets() []*Scan {
	return g.Levels[1:]
}
