package training

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/dataset"
)

// Epoch runs one pass over the training or validation data and returns the
// mean batch loss.
type Epoch interface {
	Run(ctx context.Context, epoch int, train bool) (float64, error)
}

// Trainer drives the epoch loop of a session
type Trainer struct {
	Session   *Session
	Scheduler *Plateau
	Epochs    int
	// Label prefixes progress lines
	Label string
}

// Run trains for t.Epochs epochs starting at the session's next epoch. Each
// epoch trains, validates, records both losses, steps the scheduler with the
// validation loss and checkpoints. The first error aborts the run.
func (t *Trainer) Run(ctx context.Context, e Epoch) (History, error) {
	s := t.Session
	first := s.Epoch
	last := first + t.Epochs
	for epoch := first; epoch < last; epoch++ {
		if err := ctx.Err(); err != nil {
			return s.History, err
		}
		trainLoss, err := e.Run(ctx, epoch, true)
		if err != nil {
			return s.History, errors.Wrapf(err, "epoch %d training", epoch+1)
		}
		valLoss, err := e.Run(ctx, epoch, false)
		if err != nil {
			return s.History, errors.Wrapf(err, "epoch %d validation", epoch+1)
		}

		s.RecordEpoch(trainLoss, valLoss)
		if t.Scheduler != nil {
			t.Scheduler.Step(valLoss, s.Optimizer())
		}
		if _, err := s.MaybeCheckpoint(ctx, epoch, trainLoss, valLoss); err != nil {
			return s.History, err
		}
		monitoring.Logf("%s Epoch [%d/%d], Train Loss: %.6f, Val Loss: %.6f", t.Label, epoch+1, last, trainLoss, valLoss)
	}
	return s.History, nil
}

// Split is a set of training and validation sample indices
type Split struct {
	Train []int
	Val   []int
}

func (s Split) indices(train bool) []int {
	if train {
		return s.Train
	}
	return s.Val
}

func mode(train bool) string {
	if train {
		return "Train"
	}
	return "Val"
}

// BlindSpotEpoch feeds pair inputs to the blind-spot scheme. Pair targets
// are not used by the scheme.
type BlindSpotEpoch struct {
	Scheme    *BlindSpot
	Pairs     []models.Pair
	Split     Split
	BatchSize int
	// Rng shuffles the training batches when set
	Rng    *rand.Rand
	Epochs int

	// OnFirstBatch receives the first batch of every pass
	OnFirstBatch func(epoch int, train bool, input *models.Tensor, res StepResult)
}

func (e *BlindSpotEpoch) Run(ctx context.Context, epoch int, train bool) (float64, error) {
	var rng *rand.Rand
	if train {
		rng = e.Rng
	}
	batches := dataset.Batches(e.Split.indices(train), e.BatchSize, rng)
	if len(batches) == 0 {
		return 0, errors.Wrapf(models.ErrNoData, "no %s batches", mode(train))
	}

	var total float64
	for i, idx := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		input, _, err := dataset.PairBatch(e.Pairs, idx)
		if err != nil {
			return 0, err
		}
		res, err := e.Scheme.Step(input, train)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", i+1)
		}
		total += res.Loss

		if (i+1)%10 == 0 {
			monitoring.Logf("N2S %s Epoch [%d/%d], Batch [%d/%d], Loss: %.6f",
				mode(train), epoch+1, e.Epochs, i+1, len(batches), res.Loss)
		}
		if i == 0 && e.OnFirstBatch != nil {
			e.OnFirstBatch(epoch, train, input, res)
		}
	}
	return total / float64(len(batches)), nil
}

// ProgressiveEpoch loads level groups batch by batch and feeds them to the
// progressive scheme.
type ProgressiveEpoch struct {
	Scheme    *Progressive
	Groups    []dataset.GroupRef
	Split     Split
	BatchSize int
	ImageSize int
	Rng       *rand.Rand
	Epochs    int

	// FinalLevelLoss is the mean coarsest-level loss of the last validation pass
	FinalLevelLoss float64

	OnFirstBatch func(epoch int, train bool, input *models.Tensor, targets []*models.Tensor, res LevelResult)
}

func (e *ProgressiveEpoch) Run(ctx context.Context, epoch int, train bool) (float64, error) {
	var rng *rand.Rand
	if train {
		rng = e.Rng
	}
	batches := dataset.Batches(e.Split.indices(train), e.BatchSize, rng)
	if len(batches) == 0 {
		return 0, errors.Wrapf(models.ErrNoData, "no %s batches", mode(train))
	}

	var total, final float64
	for i, idx := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		groups := make([]*models.LevelGroup, len(idx))
		for j, g := range idx {
			lg, err := dataset.LoadGroup(e.Groups[g], e.ImageSize)
			if err != nil {
				return 0, err
			}
			groups[j] = lg
		}
		input, targets, err := dataset.GroupBatch(groups)
		if err != nil {
			return 0, err
		}
		res, err := e.Scheme.Step(input, targets, train)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", i+1)
		}
		total += res.Loss
		final += res.FinalLevelLoss()

		if (i+1)%10 == 0 {
			monitoring.Logf("PFN %s Epoch [%d/%d], Batch [%d/%d], Loss: %.6f",
				mode(train), epoch+1, e.Epochs, i+1, len(batches), res.Loss)
		}
		if i == 0 && e.OnFirstBatch != nil {
			e.OnFirstBatch(epoch, train, input, targets, res)
		}
	}
	if !train {
		e.FinalLevelLoss = final / float64(len(batches))
		monitoring.Logf("PFN Val Epoch [%d/%d], Final Level Loss: %.6f", epoch+1, e.Epochs, e.FinalLevelLoss)
	}
	return total / float64(len(batches)), nil
}
