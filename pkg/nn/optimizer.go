package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters from their accumulated gradients
type Optimizer interface {
	ZeroGrad(params []*Param)
	Step(params []*Param) error
	LearningRate() float64
	SetLearningRate(lr float64)
	// State returns everything needed to resume; LoadState reverses it
	State() map[string][]float64
	LoadState(state map[string][]float64) error
}

// NewOptimizer builds "sgd" or "adam"
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", lr)
	}
	switch name {
	case "sgd":
		return NewSGD(lr), nil
	case "adam":
		return NewAdam(lr), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func checkParam(p *Param) error {
	if len(p.Grad) != len(p.Value) {
		return errors.Errorf("parameter %q has %d gradients for %d values", p.Name, len(p.Grad), len(p.Value))
	}
	return nil
}

// SGD is plain gradient descent
type SGD struct {
	lr float64
}

func NewSGD(lr float64) *SGD {
	return &SGD{lr: lr}
}

func (s *SGD) ZeroGrad(params []*Param) { zeroGrads(params) }

func (s *SGD) Step(params []*Param) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		floats.AddScaled(p.Value, -s.lr, p.Grad)
	}
	return nil
}

func (s *SGD) LearningRate() float64      { return s.lr }
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

func (s *SGD) State() map[string][]float64 {
	return map[string][]float64{"lr": {s.lr}}
}

func (s *SGD) LoadState(state map[string][]float64) error {
	lr, ok := state["lr"]
	if !ok || len(lr) != 1 {
		return errors.New("sgd state has no learning rate")
	}
	s.lr = lr[0]
	return nil
}

// Adam keeps bias-corrected first and second moment estimates per parameter
type Adam struct {
	lr, beta1, beta2, eps float64

	step int
	m, v map[string][]float64
}

func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make(map[string][]float64),
		v:     make(map[string][]float64),
	}
}

func (a *Adam) ZeroGrad(params []*Param) { zeroGrads(params) }

func (a *Adam) Step(params []*Param) error {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			a.v[p.Name] = v
		}
		if len(m) != len(p.Value) || len(v) != len(p.Value) {
			return errors.Errorf("adam moments for %q do not match its size", p.Name)
		}
		for i, g := range p.Grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.Value[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
	return nil
}

func (a *Adam) LearningRate() float64      { return a.lr }
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }

func (a *Adam) State() map[string][]float64 {
	state := map[string][]float64{
		"lr":   {a.lr},
		"step": {float64(a.step)},
	}
	for name, m := range a.m {
		state["m/"+name] = append([]float64(nil), m...)
	}
	for name, v := range a.v {
		state["v/"+name] = append([]float64(nil), v...)
	}
	return state
}

func (a *Adam) LoadState(state map[string][]float64) error {
	lr, ok := state["lr"]
	if !ok || len(lr) != 1 {
		return errors.New("adam state has no learning rate")
	}
	step, ok := state["step"]
	if !ok || len(step) != 1 {
		return errors.New("adam state has no step count")
	}
	a.lr = lr[0]
	a.step = int(step[0])
	a.m = make(map[string][]float64)
	a.v = make(map[string][]float64)
	for key, val := range state {
		switch {
		case strings.HasPrefix(key, "m/"):
			a.m[strings.TrimPrefix(key, "m/")] = append([]float64(nil), val...)
		case strings.HasPrefix(key, "v/"):
			a.v[strings.TrimPrefix(key, "v/")] = append([]float64(nil), val...)
		}
	}
	return nil
}
