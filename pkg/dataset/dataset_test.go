package dataset

import (
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/octa"
)

func constScan(shape models.Shape, v float64, idx int) *models.Scan {
	s := models.NewScan(shape)
	for i := range s.Data {
		s.Data[i] = v
	}
	s.Index = idx
	return s
}

func randomSequence(n int, shape models.Shape, seed int64) *models.ScanSequence {
	rng := rand.New(rand.NewSource(seed))
	seq := &models.ScanSequence{Source: "test"}
	for i := 0; i < n; i++ {
		s := models.NewScan(shape)
		for k := range s.Data {
			s.Data[k] = rng.Float64()
		}
		s.Index = i
		seq.Scans = append(seq.Scans, s)
	}
	return seq
}

func TestBuildPairs(t *testing.T) {
	monitoring.SetLogger(nil)
	synth, err := octa.NewSynthesizer(octa.DefaultParams())
	require.NoError(t, err)
	seq := randomSequence(7, models.Shape{Height: 8, Width: 8}, 3)

	pairs, err := BuildPairs(seq, synth, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	for i, p := range pairs {
		assert.Equal(t, i+2, p.Position)
		assert.Same(t, seq.Scans[i+2], p.Input)
		assert.Equal(t, i+2, p.Target.Index)
	}

	limited, err := BuildPairs(seq, synth, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = BuildPairs(randomSequence(4, models.Shape{Height: 4, Width: 4}, 1), synth, 0)
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestConsecutivePairs(t *testing.T) {
	shape := models.Shape{Height: 2, Width: 2}
	bad := constScan(shape, 0, 2)
	bad.Data[1] = math.NaN()
	pairs := []models.Pair{
		{Input: constScan(shape, 0.1, 0), Position: 0},
		{Input: constScan(shape, 0.2, 1), Position: 1},
		{Input: bad, Position: 2},
		{Input: constScan(shape, 0.4, 3), Position: 3},
	}

	out := ConsecutivePairs(pairs)
	require.Len(t, out, 1)
	assert.Same(t, pairs[0].Input, out[0].Input)
	assert.Same(t, pairs[1].Input, out[0].Target)

	assert.Nil(t, ConsecutivePairs(pairs[:1]))
}

func TestSplitByIndex(t *testing.T) {
	train, val := SplitByIndex(10, 0.2)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, train)
	assert.Equal(t, []int{8, 9}, val)

	train, val = SplitByIndex(3, 0.2)
	assert.Len(t, train, 3)
	assert.Empty(t, val)
}

func TestSplitGroups(t *testing.T) {
	train, val, test := SplitGroups(25, 7)
	assert.Len(t, train, 22)
	assert.Len(t, val, 2)
	assert.Len(t, test, 1)

	all := append(append(append([]int(nil), train...), val...), test...)
	sort.Ints(all)
	for i, v := range all {
		assert.Equal(t, i, v)
	}

	again, _, _ := SplitGroups(25, 7)
	assert.Equal(t, train, again)
}

func TestBatches(t *testing.T) {
	idx := []int{0, 1, 2, 3, 4}
	b := Batches(idx, 2, nil)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, b)

	shuffled := Batches(idx, 5, rand.New(rand.NewSource(1)))
	require.Len(t, shuffled, 1)
	assert.ElementsMatch(t, idx, shuffled[0])
	assert.Equal(t, []int{0, 1, 2, 3, 4}, idx)
}

func TestPairBatch(t *testing.T) {
	shape := models.Shape{Height: 2, Width: 2}
	pairs := []models.Pair{
		{Input: constScan(shape, 0.1, 0), Target: constScan(shape, 0.5, 0)},
		{Input: constScan(shape, 0.2, 1), Target: constScan(shape, 0.6, 1)},
	}
	in, tgt, err := PairBatch(pairs, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, in.Batch)
	assert.Equal(t, 0.2, in.Image(0)[0])
	assert.Equal(t, 0.5, tgt.Image(1)[0])

	_, _, err = PairBatch(pairs, nil)
	assert.ErrorIs(t, err, models.ErrNoData)
}

func writeLevel(t *testing.T, patientDir string, level, idx int, v uint8) {
	t.Helper()
	dir := LevelDir(patientDir, level)
	require.NoError(t, os.MkdirAll(dir, 0755))
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	f, err := os.Create(filepath.Join(dir, LevelFile(level, idx)))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func TestDiscoverLevelGroups(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	patient := filepath.Join(root, "0", "RawDataQA (1)")
	for b := 0; b < 4; b++ {
		writeLevel(t, patient, 0, b, uint8(10*b))
	}
	writeLevel(t, patient, 1, 0, 100)
	writeLevel(t, patient, 2, 0, 200)
	// a patient without a base level is ignored
	require.NoError(t, os.MkdirAll(filepath.Join(root, "0", "empty"), 0755))

	refs, err := DiscoverLevelGroups(root, 0)
	require.NoError(t, err)
	// level-1 index 1 is missing, so base indices 2 and 3 are incomplete
	require.Len(t, refs, 2)
	assert.Equal(t, []string{LevelFile(0, 1), LevelFile(1, 0), LevelFile(2, 0)}, refs[1].Names)

	writeLevel(t, patient, 1, 1, 150)
	refs, err = DiscoverLevelGroups(root, 0)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	assert.Equal(t, LevelFile(1, 1), refs[3].Names[1])

	refs, err = DiscoverLevelGroups(root, 2)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	assert.Len(t, refs[0].Paths, 2)

	groups := make([]*models.LevelGroup, 0, len(refs))
	for _, r := range refs {
		g, err := LoadGroup(r, 0)
		require.NoError(t, err)
		groups = append(groups, g)
	}
	input, targets, err := GroupBatch(groups)
	require.NoError(t, err)
	assert.Equal(t, 4, input.Batch)
	require.Len(t, targets, 1)
	assert.InDelta(t, 30.0/255, input.Image(3)[0], 1e-9)
	assert.InDelta(t, 150.0/255, targets[0].Image(3)[0], 1e-9)
}

func TestDiscoverLevelGroupsRejectsMixedLevelCounts(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	three := filepath.Join(root, "0", "RawDataQA (1)")
	two := filepath.Join(root, "0", "RawDataQA (2)")
	for _, patient := range []string{three, two} {
		writeLevel(t, patient, 0, 0, 10)
		writeLevel(t, patient, 0, 1, 20)
		writeLevel(t, patient, 1, 0, 100)
	}
	writeLevel(t, three, 2, 0, 200)

	_, err := DiscoverLevelGroups(root, 0)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)

	// a fixed level count truncates every patient to the same depth
	refs, err := DiscoverLevelGroups(root, 2)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	for _, r := range refs {
		assert.Len(t, r.Paths, 2)
	}
}

func TestDiscoverLevelGroupsEmpty(t *testing.T) {
	_, err := DiscoverLevelGroups(t.TempDir(), 0)
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestGroupBatchRejectsRaggedGroups(t *testing.T) {
	shape := models.Shape{Height: 2, Width: 2}
	a := &models.LevelGroup{Levels: []*models.Scan{constScan(shape, 0, 0), constScan(shape, 0, 1)}}
	b := &models.LevelGroup{Levels: []*models.Scan{constScan(shape, 0, 0), constScan(shape, 0, 1), constScan(shape, 0, 2)}}
	_, _, err := GroupBatch([]*models.LevelGroup{a, b})
	assert.Error(t, err)

	_, _, err = GroupBatch([]*models.LevelGroup{{Levels: []*models.Scan{constScan(shape, 0, 0)}}})
	assert.Error(t, err)
}
