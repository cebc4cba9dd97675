// Package checkpoint persists training state: model parameters, optimizer
// state and the loss bookkeeping needed to resume a run.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Tags written by the training session
const (
	TagBest = "best"
	TagLast = "last"
)

// ErrNotFound is returned when a run or checkpoint does not exist
var ErrNotFound = errors.New("checkpoint not found")

// Run describes one training run
type Run struct {
	ID        string
	Name      string
	Scheme    string
	Model     string
	CreatedAt time.Time
}

// Checkpoint is a snapshot of a run at the end of an epoch
type Checkpoint struct {
	RunID        string
	Tag          string
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	BestValLoss  float64
	LearningRate float64

	Params         map[string][]float64
	OptimizerState map[string][]float64
}

// Store saves and loads checkpoints
type Store interface {
	RegisterRun(ctx context.Context, run Run) error
	// LatestRun returns the most recently registered run with the given name
	// that holds a checkpoint under tag. Runs without one are skipped.
	LatestRun(ctx context.Context, name, tag string) (Run, error)
	// Save replaces any checkpoint with the same run and tag
	Save(ctx context.Context, c *Checkpoint) error
	Load(ctx context.Context, runID, tag string) (*Checkpoint, error)
}

// MemoryStore keeps checkpoints in process. It is used when no database is
// configured.
type MemoryStore struct {
	mu          sync.Mutex
	runs        []Run
	checkpoints map[[2]string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[[2]string]*Checkpoint)}
}

func (m *MemoryStore) RegisterRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) LatestRun(_ context.Context, name, tag string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].Name != name {
			continue
		}
		if _, ok := m.checkpoints[[2]string{m.runs[i].ID, tag}]; ok {
			return m.runs[i], nil
		}
	}
	return Run{}, ErrNotFound
}

func (m *MemoryStore) Save(_ context.Context, c *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[[2]string{c.RunID, c.Tag}] = c.clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID, tag string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[[2]string{runID, tag}]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.Params = cloneState(c.Params)
	out.OptimizerState = cloneState(c.OptimizerState)
	return &out
}

func cloneState(state map[string][]float64) map[string][]float64 {
	if state == nil {
		return nil
	}
	out := make(map[string][]float64, len(state))
	for k, v := range state {
		out[k] = append([]float64(nil), v...)
	}
	return out
}
