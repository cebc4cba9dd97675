// Package partition builds the blind-spot mask sets used for masked
// reconstruction. Pixel (y, x) belongs to mask (y+x) mod K, so for K >= 2 no
// two 4-adjacent pixels share a mask and a model cannot copy a held-out pixel
// from its immediate neighbours.
package partition

import (
	"sync"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
)

// MaskSet is a read-only collection of K binary masks covering a grid
// exactly once. Masks are stored as 0/1 float64 buffers so they can be
// multiplied straight into image data.
type MaskSet struct {
	shape models.Shape
	masks [][]float64
}

// New computes the mask set for shape and k
func New(shape models.Shape, k int) (*MaskSet, error) {
	if k < 1 {
		return nil, errors.Errorf("partition count must be at least 1, got %d", k)
	}
	if shape.Height <= 0 || shape.Width <= 0 {
		return nil, errors.Errorf("invalid grid %s", shape)
	}

	masks := make([][]float64, k)
	for p := range masks {
		masks[p] = make([]float64, shape.Size())
	}
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			masks[(y+x)%k][y*shape.Width+x] = 1
		}
	}
	return &MaskSet{shape: shape, masks: masks}, nil
}

// Len returns K
func (m *MaskSet) Len() int {
	return len(m.masks)
}

// Shape returns the grid the masks cover
func (m *MaskSet) Shape() models.Shape {
	return m.shape
}

// Mask returns a copy of mask p
func (m *MaskSet) Mask(p int) []float64 {
	out := make([]float64, len(m.masks[p]))
	copy(out, m.masks[p])
	return out
}

// Index returns the mask that owns pixel (y, x)
func (m *MaskSet) Index(y, x int) int {
	return (y + x) % len(m.masks)
}

// Hold splits t for mask p: masked is t with mask p zeroed (the model input)
// and held is t restricted to mask p (the reconstruction target).
func (m *MaskSet) Hold(t *models.Tensor, p int) (masked, held *models.Tensor, err error) {
	if err := models.CheckShapes(m.shape, t.Shape); err != nil {
		return nil, nil, errors.Wrap(err, "mask set")
	}
	mask := m.masks[p]
	masked = t.ZerosLike()
	held = t.ZerosLike()
	n := m.shape.Size()
	for b := 0; b < t.Batch; b++ {
		src := t.Data[b*n : (b+1)*n]
		for i, keep := range mask {
			if keep == 1 {
				held.Data[b*n+i] = src[i]
			} else {
				masked.Data[b*n+i] = src[i]
			}
		}
	}
	return masked, held, nil
}

// Restrict returns t multiplied by mask p
func (m *MaskSet) Restrict(t *models.Tensor, p int) (*models.Tensor, error) {
	if err := models.CheckShapes(m.shape, t.Shape); err != nil {
		return nil, errors.Wrap(err, "mask set")
	}
	return t.MulMask(m.masks[p])
}

type cacheKey struct {
	shape models.Shape
	k     int
}

// Cache hands out one shared MaskSet per (shape, K) combination
type Cache struct {
	mu   sync.Mutex
	sets map[cacheKey]*MaskSet
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{sets: make(map[cacheKey]*MaskSet)}
}

// Get returns the cached mask set, building it on first use
func (c *Cache) Get(shape models.Shape, k int) (*MaskSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{shape, k}
	if set, ok := c.sets[key]; ok {
		return set, nil
	}
	set, err := New(shape, k)
	if err != nil {
		return nil, err
	}
	c.sets[key] = set
	return set, nil
}
