// Package loss provides the reconstruction criteria used by the training
// schemes. Each criterion reports a mean cost over every element and the
// derivative of that mean with respect to each output.
package loss

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"octdenoise/internal/models"
)

// Criterion compares model outputs against targets
type Criterion interface {
	TypeString() string
	// Cost is the mean loss over all elements
	Cost(outs, targets []float64) (float64, error)
	// Derivs is d(Cost)/d(outs)
	Derivs(outs, targets []float64) ([]float64, error)
}

type mse struct{}

// MSE is the mean squared error
func MSE() Criterion {
	return mse{}
}

func (mse) TypeString() string { return "mse" }

func (mse) Cost(outs, targets []float64) (float64, error) {
	if err := check(outs, targets); err != nil {
		return 0, errors.Wrap(err, "mse")
	}
	d := floats.Distance(outs, targets, 2)
	return d * d / float64(len(outs)), nil
}

func (mse) Derivs(outs, targets []float64) ([]float64, error) {
	if err := check(outs, targets); err != nil {
		return nil, errors.Wrap(err, "mse")
	}
	n := float64(len(outs))
	ds := make([]float64, len(outs))
	for i := range outs {
		ds[i] = 2 * (outs[i] - targets[i]) / n
	}
	return ds, nil
}

type l1 struct{}

// L1 is the mean absolute error
func L1() Criterion {
	return l1{}
}

func (l1) TypeString() string { return "l1" }

func (l1) Cost(outs, targets []float64) (float64, error) {
	if err := check(outs, targets); err != nil {
		return 0, errors.Wrap(err, "l1")
	}
	return floats.Distance(outs, targets, 1) / float64(len(outs)), nil
}

// Derivs uses a zero subgradient where outs equals targets
func (l1) Derivs(outs, targets []float64) ([]float64, error) {
	if err := check(outs, targets); err != nil {
		return nil, errors.Wrap(err, "l1")
	}
	n := float64(len(outs))
	ds := make([]float64, len(outs))
	for i := range outs {
		switch d := outs[i] - targets[i]; {
		case d > 0:
			ds[i] = 1 / n
		case d < 0:
			ds[i] = -1 / n
		}
	}
	return ds, nil
}

func check(outs, targets []float64) error {
	if len(outs) != len(targets) {
		return errors.Wrapf(models.ErrShapeMismatch, "%d outputs vs %d targets", len(outs), len(targets))
	}
	if len(outs) == 0 {
		return errors.Wrap(models.ErrNoData, "empty loss input")
	}
	return nil
}

// Tensor evaluates c on two tensors of identical layout
func Tensor(c Criterion, out, target *models.Tensor) (float64, error) {
	if err := out.SameLayout(target); err != nil {
		return 0, err
	}
	return c.Cost(out.Data, target.Data)
}

// TensorGrad returns the cost and its gradient with respect to out
func TensorGrad(c Criterion, out, target *models.Tensor) (float64, *models.Tensor, error) {
	if err := out.SameLayout(target); err != nil {
		return 0, nil, err
	}
	cost, err := c.Cost(out.Data, target.Data)
	if err != nil {
		return 0, nil, err
	}
	ds, err := c.Derivs(out.Data, target.Data)
	if err != nil {
		return 0, nil, err
	}
	grad := out.ZerosLike()
	grad.Data = ds
	return cost, grad, nil
}

var (
	regMu    sync.Mutex
	registry = map[string]func() Criterion{}
)

func init() {
	for _, f := range []func() Criterion{MSE, L1} {
		if err := Register(f().TypeString(), f); err != nil {
			panic(err.Error())
		}
	}
}

// Register makes a criterion available to ByName
func Register(name string, f func() Criterion) error {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registry[name]; ok {
		return errors.Errorf("criterion %q already registered", name)
	}
	registry[name] = f
	return nil
}

// ByName looks up a registered criterion
func ByName(name string) (Criterion, error) {
	regMu.Lock()
	defer regMu.Unlock()
	f, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown criterion %q (have %v)", name, namesLocked())
	}
	return f(), nil
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
