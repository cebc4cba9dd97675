// Package visualization renders scan volumes, training panels and loss
// curves as images.
package visualization

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/imageio"
)

// Viewer slices a stack of B-scans. x runs across a scan, y runs down it
// (depth) and z is the scan index.
type Viewer struct {
	// volume holds the stack as z-major, then row-major scans
	volume []float64

	width  int
	height int
	depth  int
}

// NewViewer stacks scans of equal shape into a volume
func NewViewer(scans []*models.Scan) (*Viewer, error) {
	seq := &models.ScanSequence{Scans: scans, Source: "viewer"}
	shape, err := seq.Shape()
	if err != nil {
		return nil, err
	}
	v := &Viewer{
		volume: make([]float64, 0, len(scans)*shape.Size()),
		width:  shape.Width,
		height: shape.Height,
		depth:  len(scans),
	}
	for _, s := range scans {
		v.volume = append(v.volume, s.Data...)
	}
	return v, nil
}

// Dims returns the volume size along x, y and z
func (v *Viewer) Dims() (width, height, depth int) {
	return v.width, v.height, v.depth
}

func (v *Viewer) at(x, y, z int) float64 {
	return v.volume[z*v.width*v.height+y*v.width+x]
}

// ExtractSlice returns the plane at position along axis. An x plane is
// height×depth, a y plane (en-face at one depth) is depth×width and a z
// plane is the original scan.
func (v *Viewer) ExtractSlice(axis string, position int) (*models.Scan, error) {
	if position < 0 {
		return nil, errors.New("position must be non-negative")
	}

	var out *models.Scan
	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, errors.Errorf("position %d exceeds width %d", position, v.width)
		}
		out = models.NewScan(models.Shape{Height: v.height, Width: v.depth})
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				out.Set(y, z, v.at(position, y, z))
			}
		}

	case "y", "Y":
		if position >= v.height {
			return nil, errors.Errorf("position %d exceeds height %d", position, v.height)
		}
		out = models.NewScan(models.Shape{Height: v.depth, Width: v.width})
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				out.Set(z, x, v.at(x, position, z))
			}
		}

	case "z", "Z":
		if position >= v.depth {
			return nil, errors.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		out = models.NewScan(models.Shape{Height: v.height, Width: v.width})
		copy(out.Data, v.volume[position*v.width*v.height:(position+1)*v.width*v.height])

	default:
		return nil, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	out.Index = position
	return out, nil
}

// EnFace projects the volume along depth: pixel (z, x) is the mean of scan
// z's column x.
func (v *Viewer) EnFace() *models.Scan {
	out := models.NewScan(models.Shape{Height: v.depth, Width: v.width})
	inv := 1 / float64(v.height)
	for z := 0; z < v.depth; z++ {
		for x := 0; x < v.width; x++ {
			var sum float64
			for y := 0; y < v.height; y++ {
				sum += v.at(x, y, z)
			}
			out.Set(z, x, sum*inv)
		}
	}
	return out
}

// SaveSliceSequence writes every plane along axis to outputDir as PNG
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		s, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := imageio.SaveScan(filename, s); err != nil {
			return err
		}
	}
	return nil
}
