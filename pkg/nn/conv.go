package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
)

// kernel is a single-channel k×k convolution with bias and zero padding
type kernel struct {
	size   int
	weight *Param
	bias   *Param
}

func newKernel(name string, size int, rng *rand.Rand) (*kernel, error) {
	if size < 1 || size%2 == 0 {
		return nil, errors.Errorf("kernel size must be a positive odd number, got %d", size)
	}
	k := &kernel{
		size:   size,
		weight: NewParam(name+".weight", size*size),
		bias:   NewParam(name+".bias", 1),
	}
	for i := range k.weight.Value {
		k.weight.Value[i] = rng.NormFloat64() * 0.01
	}
	return k, nil
}

// apply writes img + conv(img) + bias into dst
func (k *kernel) apply(dst, img []float64, shape models.Shape) {
	r := k.size / 2
	w := k.weight.Value
	b := k.bias.Value[0]
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			sum := img[y*shape.Width+x] + b
			for u := 0; u < k.size; u++ {
				yy := y + u - r
				if yy < 0 || yy >= shape.Height {
					continue
				}
				for v := 0; v < k.size; v++ {
					xx := x + v - r
					if xx < 0 || xx >= shape.Width {
						continue
					}
					sum += w[u*k.size+v] * img[yy*shape.Width+xx]
				}
			}
			dst[y*shape.Width+x] = sum
		}
	}
}

// accumulate adds the parameter gradients for one image
func (k *kernel) accumulate(grad, img []float64, shape models.Shape) {
	r := k.size / 2
	gw := k.weight.Grad
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			g := grad[y*shape.Width+x]
			if g == 0 {
				continue
			}
			k.bias.Grad[0] += g
			for u := 0; u < k.size; u++ {
				yy := y + u - r
				if yy < 0 || yy >= shape.Height {
					continue
				}
				for v := 0; v < k.size; v++ {
					xx := x + v - r
					if xx < 0 || xx >= shape.Width {
						continue
					}
					gw[u*k.size+v] += g * img[yy*shape.Width+xx]
				}
			}
		}
	}
}

// Conv is a residual single-convolution denoiser
type Conv struct {
	k *kernel
}

// NewConv creates a Conv with a size×size kernel
func NewConv(size int, seed int64) (*Conv, error) {
	k, err := newKernel("conv", size, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	return &Conv{k: k}, nil
}

func (c *Conv) Name() string {
	if c.k.size == 3 {
		return "conv3"
	}
	return fmt.Sprintf("conv%d", c.k.size)
}

func (c *Conv) Parameters() []*Param {
	return []*Param{c.k.weight, c.k.bias}
}

func (c *Conv) Forward(x *models.Tensor) (*models.Tensor, Backprop, error) {
	if x.Batch == 0 {
		return nil, nil, errors.Wrap(models.ErrNoData, "empty batch")
	}
	in := x.Clone()
	out := x.ZerosLike()
	for b := 0; b < x.Batch; b++ {
		c.k.apply(out.Image(b), in.Image(b), x.Shape)
	}

	back := func(grad *models.Tensor) error {
		if err := in.SameLayout(grad); err != nil {
			return errors.Wrap(err, "conv backprop")
		}
		for b := 0; b < in.Batch; b++ {
			c.k.accumulate(grad.Image(b), in.Image(b), in.Shape)
		}
		return nil
	}
	return out, back, nil
}
