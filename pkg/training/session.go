// Package training runs the self-supervised denoising schemes: blind-spot
// masked reconstruction and progressive multi-level supervision. A Session
// owns the mutable training state (history, best loss, checkpoints) and is
// passed explicitly through the epoch loop.
package training

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"octdenoise/internal/monitoring"
	"octdenoise/pkg/checkpoint"
	"octdenoise/pkg/nn"
)

// History is the per-epoch loss record
type History struct {
	TrainLoss []float64 `json:"train_loss"`
	ValLoss   []float64 `json:"val_loss"`
}

// Session is the training state of one run
type Session struct {
	RunID string
	Name  string

	History     History
	BestValLoss float64
	// Epoch is the index of the next epoch to run
	Epoch int

	model nn.Model
	opt   nn.Optimizer
	store checkpoint.Store
	save  bool
}

// SessionOptions configures NewSession
type SessionOptions struct {
	Name   string
	Scheme string
	// Save writes best and last checkpoints to Store
	Save  bool
	Store checkpoint.Store
}

// NewSession starts a run with a fresh id and registers it with the store
func NewSession(ctx context.Context, model nn.Model, opt nn.Optimizer, o SessionOptions) (*Session, error) {
	store := o.Store
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	s := &Session{
		RunID:       uuid.NewString(),
		Name:        o.Name,
		BestValLoss: math.Inf(1),
		model:       model,
		opt:         opt,
		store:       store,
		save:        o.Save,
	}
	run := checkpoint.Run{ID: s.RunID, Name: o.Name, Scheme: o.Scheme, Model: model.Name()}
	if err := store.RegisterRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "start session")
	}
	return s, nil
}

// Optimizer returns the optimizer driven by the session
func (s *Session) Optimizer() nn.Optimizer {
	return s.opt
}

// RecordEpoch appends one epoch of losses and advances the epoch counter
func (s *Session) RecordEpoch(trainLoss, valLoss float64) {
	s.History.TrainLoss = append(s.History.TrainLoss, trainLoss)
	s.History.ValLoss = append(s.History.ValLoss, valLoss)
	s.Epoch++
}

// MaybeCheckpoint updates the best validation loss and, when saving is on,
// writes the best checkpoint on improvement and the last one every time.
// It reports whether valLoss improved on the best so far.
func (s *Session) MaybeCheckpoint(ctx context.Context, epoch int, trainLoss, valLoss float64) (bool, error) {
	improved := valLoss < s.BestValLoss
	if improved {
		s.BestValLoss = valLoss
	}
	if !s.save {
		return improved, nil
	}

	if improved {
		monitoring.Logf("Saving best model with val loss: %.6f", valLoss)
		if err := s.store.Save(ctx, s.snapshot(checkpoint.TagBest, epoch, trainLoss, valLoss)); err != nil {
			return improved, errors.Wrap(err, "save best checkpoint")
		}
	}
	if err := s.store.Save(ctx, s.snapshot(checkpoint.TagLast, epoch, trainLoss, valLoss)); err != nil {
		return improved, errors.Wrap(err, "save last checkpoint")
	}
	return improved, nil
}

func (s *Session) snapshot(tag string, epoch int, trainLoss, valLoss float64) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		RunID:          s.RunID,
		Tag:            tag,
		Epoch:          epoch,
		TrainLoss:      trainLoss,
		ValLoss:        valLoss,
		BestValLoss:    s.BestValLoss,
		LearningRate:   s.opt.LearningRate(),
		Params:         nn.ParamState(s.model.Parameters()),
		OptimizerState: s.opt.State(),
	}
}

// Resume restores parameters and optimizer state from the tagged checkpoint
// of the latest run called name. Runs that never saved under tag, such as the
// one this session registered, are skipped, so resuming under the session's
// own name picks up the previous run.
// Training continues after the saved epoch with the saved validation loss as
// the best so far, under the loaded run id.
func (s *Session) Resume(ctx context.Context, name, tag string) error {
	run, err := s.store.LatestRun(ctx, name, tag)
	if err != nil {
		return errors.Wrapf(err, "resume %q", name)
	}
	c, err := s.store.Load(ctx, run.ID, tag)
	if err != nil {
		return errors.Wrapf(err, "resume %q", name)
	}
	if err := nn.LoadParamState(s.model.Parameters(), c.Params); err != nil {
		return errors.Wrap(err, "restore parameters")
	}
	if len(c.OptimizerState) > 0 {
		if err := s.opt.LoadState(c.OptimizerState); err != nil {
			return errors.Wrap(err, "restore optimizer")
		}
	}
	s.RunID = run.ID
	s.Epoch = c.Epoch + 1
	s.BestValLoss = c.ValLoss
	monitoring.Logf("Resumed run %s from %s checkpoint at epoch %d (val loss %.6f)", run.ID, tag, c.Epoch, c.ValLoss)
	return nil
}

// WriteHistory saves the loss history as JSON
func (s *Session) WriteHistory(path string) error {
	data, err := json.MarshalIndent(s.History, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create history directory")
		}
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write history")
}

// LoadHistory reads a history written by WriteHistory
func LoadHistory(path string) (History, error) {
	var h History
	data, err := os.ReadFile(path)
	if err != nil {
		return h, errors.Wrap(err, "read history")
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, errors.Wrap(err, "decode history")
	}
	return h, nil
}
