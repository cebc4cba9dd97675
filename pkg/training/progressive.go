package training

import (
	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/intensity"
	"octdenoise/pkg/loss"
	"octdenoise/pkg/nn"
)

// LevelResult reports one progressive batch
type LevelResult struct {
	// Loss is the mean over levels of the per-level L1 losses
	Loss        float64
	LevelLosses []float64
	Outputs     []*models.Tensor
}

// FinalLevelLoss is the loss of the coarsest level
func (r LevelResult) FinalLevelLoss() float64 {
	if len(r.LevelLosses) == 0 {
		return 0
	}
	return r.LevelLosses[len(r.LevelLosses)-1]
}

// Progressive supervises a multi-level denoiser against fused targets after
// matching each output's mean and deviation to its target.
type Progressive struct {
	model nn.MultiLevelOutput
	opt   nn.Optimizer
	eps   float64
}

// NewProgressive binds the scheme to a model and optimizer. eps floors the
// standard deviations used for statistic matching.
func NewProgressive(model nn.MultiLevelOutput, opt nn.Optimizer, eps float64) *Progressive {
	if eps <= 0 {
		eps = intensity.DefaultStdEpsilon
	}
	return &Progressive{model: model, opt: opt, eps: eps}
}

// Step runs one batch: a single model call for all L target levels, L1 per
// level after statistic matching, averaged over levels. With train set the
// averaged loss is backpropagated once and the optimizer steps once.
func (p *Progressive) Step(input *models.Tensor, targets []*models.Tensor, train bool) (LevelResult, error) {
	levels := len(targets)
	if levels == 0 {
		return LevelResult{}, errors.Wrap(models.ErrNoData, "no target levels")
	}
	outs, back, err := p.model.ForwardLevels(input, levels, targets[0].Shape)
	if err != nil {
		return LevelResult{}, errors.Wrap(err, "forward levels")
	}
	if len(outs) != levels {
		return LevelResult{}, errors.Errorf("model returned %d levels, want %d", len(outs), levels)
	}

	params := p.model.Parameters()
	if train {
		p.opt.ZeroGrad(params)
	}

	res := LevelResult{LevelLosses: make([]float64, levels), Outputs: outs}
	grads := make([]*models.Tensor, levels)
	l1 := loss.L1()
	for l, target := range targets {
		if err := outs[l].SameLayout(target); err != nil {
			return LevelResult{}, errors.Wrapf(err, "level %d", l+1)
		}
		matched, gain, err := intensity.MatchStatistics(outs[l], target, p.eps)
		if err != nil {
			return LevelResult{}, err
		}
		cost, g, err := loss.TensorGrad(l1, matched, target)
		if err != nil {
			return LevelResult{}, errors.Wrapf(err, "level %d", l+1)
		}
		res.LevelLosses[l] = cost
		res.Loss += cost

		if train {
			for i := range g.Data {
				g.Data[i] /= float64(levels)
			}
			if grads[l], err = intensity.MatchStatisticsGrad(outs[l], g, gain, p.eps); err != nil {
				return LevelResult{}, err
			}
		}
	}
	res.Loss /= float64(levels)

	if train {
		if err := back(grads); err != nil {
			return LevelResult{}, errors.Wrap(err, "backprop levels")
		}
		if err := p.opt.Step(params); err != nil {
			return LevelResult{}, errors.Wrap(err, "optimizer step")
		}
	}
	return res, nil
}
