// Package dataset assembles training samples: (scan, pseudo-target) pairs
// for the masked-reconstruction scheme and fused level groups for the
// progressive scheme, plus the splits and batches both schemes consume.
package dataset

import (
	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/octa"
)

// BuildPairs synthesizes the pseudo-targets of seq and pairs each with its
// source scan. At most limit pairs are returned when limit > 0.
func BuildPairs(seq *models.ScanSequence, synth *octa.Synthesizer, limit int) ([]models.Pair, error) {
	targets, err := synth.Synthesize(seq)
	if err != nil {
		return nil, errors.Wrapf(err, "build pairs for %q", seq.Source)
	}
	return octa.Pair(seq, targets, synth.Params().Neighbours, limit)
}

// ConsecutivePairs turns a run of pairs into Noise2Noise-style samples: the
// input scan of pair i is the input and the input scan of pair i+1 the
// target. Samples with non-finite values are dropped.
func ConsecutivePairs(pairs []models.Pair) []models.Pair {
	if len(pairs) < 2 {
		return nil
	}
	out := make([]models.Pair, 0, len(pairs)-1)
	for i := 0; i+1 < len(pairs); i++ {
		in, tgt := pairs[i].Input, pairs[i+1].Input
		if !in.Finite() || !tgt.Finite() {
			continue
		}
		out = append(out, models.Pair{Input: in, Target: tgt, Position: pairs[i].Position})
	}
	return out
}

// SplitByIndex holds out the last int(valFraction*n) samples for validation,
// keeping the order intact.
func SplitByIndex(n int, valFraction float64) (train, val []int) {
	valSize := int(valFraction * float64(n))
	if valSize < 0 {
		valSize = 0
	}
	if valSize > n {
		valSize = n
	}
	trainSize := n - valSize
	train = make([]int, trainSize)
	for i := range train {
		train[i] = i
	}
	val = make([]int, valSize)
	for i := range val {
		val[i] = trainSize + i
	}
	return train, val
}

// PairBatch stacks the selected pairs into input and target tensors
func PairBatch(pairs []models.Pair, idx []int) (inputs, targets *models.Tensor, err error) {
	ins := make([]*models.Scan, len(idx))
	tgts := make([]*models.Scan, len(idx))
	for i, j := range idx {
		ins[i] = pairs[j].Input
		tgts[i] = pairs[j].Target
	}
	if inputs, err = models.TensorFromScans(ins...); err != nil {
		return nil, nil, errors.Wrap(err, "input batch")
	}
	if targets, err = models.TensorFromScans(tgts...); err != nil {
		return nil, nil, errors.Wrap(err, "target batch")
	}
	return inputs, targets, nil
}
