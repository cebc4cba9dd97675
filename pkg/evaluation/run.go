package evaluation

import (
	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/nn"
)

// Result is the outcome of evaluating a model over a set of scans
type Result struct {
	Outputs []*models.Scan
	Scores  []Metrics
	Mean    Metrics
}

// Run denoises every input with model, one scan at a time, and compares the
// output with the reference at the same index.
func Run(model nn.SingleOutput, inputs, references []*models.Scan, backgroundPercentile float64) (Result, error) {
	if len(inputs) != len(references) {
		return Result{}, errors.Wrapf(models.ErrShapeMismatch, "%d inputs for %d references", len(inputs), len(references))
	}
	if len(inputs) == 0 {
		return Result{}, errors.Wrap(models.ErrNoData, "nothing to evaluate")
	}

	res := Result{
		Outputs: make([]*models.Scan, len(inputs)),
		Scores:  make([]Metrics, len(inputs)),
	}
	for i, in := range inputs {
		x, err := models.TensorFromScans(in)
		if err != nil {
			return Result{}, err
		}
		out, _, err := model.Forward(x)
		if err != nil {
			return Result{}, errors.Wrapf(err, "denoise scan %d", i)
		}
		res.Outputs[i] = out.Scan(0)
		res.Outputs[i].Index = in.Index
		res.Outputs[i].Filename = in.Filename
		if res.Scores[i], err = Compare(res.Outputs[i], references[i], backgroundPercentile); err != nil {
			return Result{}, errors.Wrapf(err, "score scan %d", i)
		}
	}

	var err error
	if res.Mean, err = Mean(res.Scores); err != nil {
		return Result{}, err
	}
	monitoring.Logf("Evaluated %d scans: PSNR %.2f dB, SSIM %.4f, RMSE %.4f, CNR %.3f",
		len(inputs), res.Mean.PSNR, res.Mean.SSIM, res.Mean.RMSE, res.Mean.CNR)
	return res, nil
}
