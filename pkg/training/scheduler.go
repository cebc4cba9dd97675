package training

import (
	"math"

	"octdenoise/internal/monitoring"
	"octdenoise/pkg/nn"
)

// Plateau halves (by Factor) the learning rate once the monitored loss has
// not improved for more than Patience epochs. Improvement means dropping
// below best*(1-1e-4).
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best float64
	bad  int
}

// NewPlateau creates a scheduler for a loss to be minimised
func NewPlateau(factor float64, patience int) *Plateau {
	return &Plateau{Factor: factor, Patience: patience, best: math.Inf(1)}
}

// Step records metric and lowers the rate of opt when the plateau is long
// enough. It reports whether the rate was reduced.
func (p *Plateau) Step(metric float64, opt nn.Optimizer) bool {
	if metric < p.best*(1-1e-4) {
		p.best = metric
		p.bad = 0
		return false
	}
	p.bad++
	if p.bad <= p.Patience {
		return false
	}
	p.bad = 0

	old := opt.LearningRate()
	lr := math.Max(old*p.Factor, p.MinLR)
	if old-lr <= 1e-8 {
		return false
	}
	opt.SetLearningRate(lr)
	monitoring.Logf("Reducing learning rate from %.4e to %.4e", old, lr)
	return true
}
