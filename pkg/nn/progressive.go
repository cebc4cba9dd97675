package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
)

// Progressive produces one refinement per level from a shared input. Each
// level has its own residual convolution head; the result is resized to the
// requested shape with nearest-neighbour sampling.
type Progressive struct {
	heads []*kernel
}

// NewProgressive creates a model with one head per level
func NewProgressive(levels, size int, seed int64) (*Progressive, error) {
	if levels < 1 {
		return nil, errors.Errorf("progressive model needs at least one level, got %d", levels)
	}
	rng := rand.New(rand.NewSource(seed))
	p := &Progressive{heads: make([]*kernel, levels)}
	for l := range p.heads {
		k, err := newKernel(fmt.Sprintf("level%d", l+1), size, rng)
		if err != nil {
			return nil, err
		}
		p.heads[l] = k
	}
	return p, nil
}

func (p *Progressive) Name() string { return "progressive-conv3" }

// Levels is the number of heads
func (p *Progressive) Levels() int { return len(p.heads) }

func (p *Progressive) Parameters() []*Param {
	params := make([]*Param, 0, 2*len(p.heads))
	for _, h := range p.heads {
		params = append(params, h.weight, h.bias)
	}
	return params
}

func (p *Progressive) ForwardLevels(x *models.Tensor, levels int, shape models.Shape) ([]*models.Tensor, LevelBackprop, error) {
	if levels < 1 || levels > len(p.heads) {
		return nil, nil, errors.Errorf("requested %d levels, model has %d", levels, len(p.heads))
	}
	if x.Batch == 0 {
		return nil, nil, errors.Wrap(models.ErrNoData, "empty batch")
	}
	if shape.Height <= 0 || shape.Width <= 0 {
		return nil, nil, errors.Errorf("invalid output shape %s", shape)
	}

	in := x.Clone()
	index := nearestIndex(in.Shape, shape)
	outs := make([]*models.Tensor, levels)
	full := make([]float64, in.Shape.Size())
	for l := 0; l < levels; l++ {
		out := models.NewTensor(in.Batch, shape)
		for b := 0; b < in.Batch; b++ {
			p.heads[l].apply(full, in.Image(b), in.Shape)
			dst := out.Image(b)
			for i, src := range index {
				dst[i] = full[src]
			}
		}
		outs[l] = out
	}

	back := func(grads []*models.Tensor) error {
		if len(grads) != levels {
			return errors.Errorf("got %d level gradients for %d levels", len(grads), levels)
		}
		scattered := make([]float64, in.Shape.Size())
		for l, g := range grads {
			if g == nil {
				continue
			}
			if err := outs[l].SameLayout(g); err != nil {
				return errors.Wrapf(err, "level %d backprop", l+1)
			}
			for b := 0; b < in.Batch; b++ {
				for i := range scattered {
					scattered[i] = 0
				}
				for i, src := range index {
					scattered[src] += g.Image(b)[i]
				}
				p.heads[l].accumulate(scattered, in.Image(b), in.Shape)
			}
		}
		return nil
	}
	return outs, back, nil
}

// nearestIndex maps every pixel of dst to its nearest-neighbour source pixel
func nearestIndex(src, dst models.Shape) []int {
	index := make([]int, dst.Size())
	for y := 0; y < dst.Height; y++ {
		sy := y * src.Height / dst.Height
		for x := 0; x < dst.Width; x++ {
			sx := x * src.Width / dst.Width
			index[y*dst.Width+x] = sy*src.Width + sx
		}
	}
	return index
}
