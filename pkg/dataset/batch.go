package dataset

import "math/rand"

// Batches cuts indices into consecutive batches of at most size. When rng
// is non-nil the indices are shuffled first; indices itself is not modified.
func Batches(indices []int, size int, rng *rand.Rand) [][]int {
	if size <= 0 {
		size = 1
	}
	order := append([]int(nil), indices...)
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([][]int, 0, (len(order)+size-1)/size)
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}
	return batches
}
