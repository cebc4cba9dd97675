// Package nn defines the capabilities the training schemes need from a
// denoiser and ships small reference models and optimizers that satisfy
// them. Architectures stay opaque to the schemes: a model is anything that
// maps a batch to outputs and can push output gradients back into its
// parameters.
package nn

import (
	"sort"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
)

// Param is a trainable buffer together with its accumulated gradient
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// NewParam allocates a zero parameter of n values
func NewParam(name string, n int) *Param {
	return &Param{
		Name:  name,
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Backprop accumulates parameter gradients given d(loss)/d(output).
// Repeated calls add up until the optimizer clears them.
type Backprop func(grad *models.Tensor) error

// LevelBackprop is Backprop for a multi-level forward pass; grads holds one
// entry per returned level and nil entries are skipped.
type LevelBackprop func(grads []*models.Tensor) error

// Parameterized exposes trainable parameters
type Parameterized interface {
	Parameters() []*Param
}

// Model is the common surface of every registered architecture
type Model interface {
	Parameterized
	Name() string
}

// SingleOutput models produce one image per input image
type SingleOutput interface {
	Model
	Forward(x *models.Tensor) (*models.Tensor, Backprop, error)
}

// MultiLevelOutput models produce one image per refinement level, each
// resized to shape.
type MultiLevelOutput interface {
	Model
	ForwardLevels(x *models.Tensor, levels int, shape models.Shape) ([]*models.Tensor, LevelBackprop, error)
}

// ParamState copies parameter values into a map keyed by name
func ParamState(params []*Param) map[string][]float64 {
	state := make(map[string][]float64, len(params))
	for _, p := range params {
		state[p.Name] = append([]float64(nil), p.Value...)
	}
	return state
}

// LoadParamState restores values saved by ParamState. Every parameter must
// be present with a matching length.
func LoadParamState(params []*Param, state map[string][]float64) error {
	for _, p := range params {
		v, ok := state[p.Name]
		if !ok {
			return errors.Errorf("missing parameter %q", p.Name)
		}
		if len(v) != len(p.Value) {
			return errors.Wrapf(models.ErrShapeMismatch, "parameter %q has %d values, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}

// Options configures the registered architectures
type Options struct {
	KernelSize int
	Seed       int64
	// Levels is the number of output heads for multi-level models
	Levels int
}

var registry = map[string]func(Options) (Model, error){
	"conv3": func(o Options) (Model, error) {
		return NewConv(o.KernelSize, o.Seed)
	},
	"progressive-conv3": func(o Options) (Model, error) {
		return NewProgressive(o.Levels, o.KernelSize, o.Seed)
	},
}

// New builds a registered model by name
func New(name string, opts Options) (Model, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown model %q (have %v)", name, Names())
	}
	return f(opts)
}

// Names lists the registered models
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
