package training

import (
	"math"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/flow"
	"octdenoise/pkg/intensity"
	"octdenoise/pkg/loss"
	"octdenoise/pkg/nn"
	"octdenoise/pkg/partition"
)

// BlindSpotConfig parameterises the masked-reconstruction scheme
type BlindSpotConfig struct {
	// Partitions is the number K of disjoint masks
	Partitions int
	Criterion  loss.Criterion

	// Flow enables the consistency term; nil skips it
	Flow            flow.Extractor
	Alpha           float64
	ForegroundFloor float64
}

// StepResult reports one blind-spot batch
type StepResult struct {
	Loss           float64
	Reconstruction float64
	FlowLoss       float64

	// Output is the model applied to the unmasked batch
	Output *models.Tensor
	// FlowInput and FlowOutput are the normalised flow maps, nil without a
	// flow extractor
	FlowInput  *models.Tensor
	FlowOutput *models.Tensor
}

// BlindSpot trains a single-output denoiser to predict pixels hidden from
// its input. Masks come from a shared read-only cache.
type BlindSpot struct {
	model nn.SingleOutput
	opt   nn.Optimizer
	cfg   BlindSpotConfig
	masks *partition.Cache
}

// NewBlindSpot validates cfg and binds the scheme to a model and optimizer
func NewBlindSpot(model nn.SingleOutput, opt nn.Optimizer, cfg BlindSpotConfig, masks *partition.Cache) (*BlindSpot, error) {
	if cfg.Partitions < 1 {
		return nil, errors.Errorf("blind-spot needs at least one partition, got %d", cfg.Partitions)
	}
	if cfg.Criterion == nil {
		cfg.Criterion = loss.MSE()
	}
	if cfg.ForegroundFloor <= 0 {
		cfg.ForegroundFloor = intensity.DefaultForegroundFloor
	}
	if masks == nil {
		masks = partition.NewCache()
	}
	return &BlindSpot{model: model, opt: opt, cfg: cfg, masks: masks}, nil
}

// Step runs one batch. Each of the K masks, in order, hides its pixels from
// the input and scores the prediction on exactly those pixels; the K losses
// are averaged. The model is then applied to the whole batch for the flow
// term and for display. With train set the averaged loss is backpropagated
// and the optimizer steps once; otherwise parameters are left untouched.
func (b *BlindSpot) Step(x *models.Tensor, train bool) (StepResult, error) {
	set, err := b.masks.Get(x.Shape, b.cfg.Partitions)
	if err != nil {
		return StepResult{}, err
	}
	params := b.model.Parameters()
	if train {
		b.opt.ZeroGrad(params)
	}

	k := float64(set.Len())
	var res StepResult
	for p := 0; p < set.Len(); p++ {
		masked, held, err := set.Hold(x, p)
		if err != nil {
			return StepResult{}, err
		}
		out, back, err := b.model.Forward(masked)
		if err != nil {
			return StepResult{}, errors.Wrapf(err, "forward on mask %d", p)
		}
		pred, err := set.Restrict(out, p)
		if err != nil {
			return StepResult{}, err
		}
		cost, grad, err := loss.TensorGrad(b.cfg.Criterion, pred, held)
		if err != nil {
			return StepResult{}, errors.Wrapf(err, "loss on mask %d", p)
		}
		res.Reconstruction += cost

		if train {
			// d(pred)/d(out) is the mask itself
			g, err := set.Restrict(grad, p)
			if err != nil {
				return StepResult{}, err
			}
			for i := range g.Data {
				g.Data[i] /= k
			}
			if err := back(g); err != nil {
				return StepResult{}, errors.Wrapf(err, "backprop on mask %d", p)
			}
		}
	}
	res.Reconstruction /= k
	res.Loss = res.Reconstruction

	full, _, err := b.model.Forward(x)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "forward on full batch")
	}
	res.Output = full

	if b.cfg.Flow != nil {
		fi, fo, err := b.flowMaps(x, full)
		if err != nil {
			return StepResult{}, err
		}
		res.FlowInput, res.FlowOutput = fi, fo
		res.FlowLoss = meanAbsDiff(fi.Data, fo.Data)
		res.Loss += b.cfg.Alpha * res.FlowLoss
	}

	if train {
		if err := b.opt.Step(params); err != nil {
			return StepResult{}, errors.Wrap(err, "optimizer step")
		}
	}
	return res, nil
}

// flowMaps extracts and normalises the flow component of input and output.
// The maps are constants with respect to the model parameters.
func (b *BlindSpot) flowMaps(input, output *models.Tensor) (*models.Tensor, *models.Tensor, error) {
	var maps [2]*models.Tensor
	for i, t := range []*models.Tensor{input, output} {
		m, err := b.cfg.Flow.Extract(t)
		if err != nil {
			return nil, nil, errors.Wrap(err, "flow extractor")
		}
		f, ok := m[flow.Component]
		if !ok {
			return nil, nil, errors.Errorf("flow extractor returned no %q", flow.Component)
		}
		if err := t.SameLayout(f); err != nil {
			return nil, nil, errors.Wrap(err, "flow map")
		}
		maps[i] = intensity.NormalizeForegroundTensor(f, b.cfg.ForegroundFloor)
	}
	return maps[0], maps[1], nil
}

func meanAbsDiff(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}
