package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/imageio"
)

const levelDirPrefix = "FusedImages_Level_"

// GroupRef locates the files of one level group without loading them
type GroupRef struct {
	Paths []string
	Names []string
}

// LevelDir is the directory of level l inside a patient directory
func LevelDir(patientDir string, level int) string {
	return filepath.Join(patientDir, fmt.Sprintf("%s%d", levelDirPrefix, level))
}

// LevelFile is the file name of index idx at level l
func LevelFile(level, idx int) string {
	return fmt.Sprintf("Fused_Image_Level_%d_%d.tif", level, idx)
}

// DiscoverLevelGroups walks root/<group>/<patient>/FusedImages_Level_<l>
// and returns one reference per complete group. The level-l image of base
// index b is index b>>l. levels counts the base level; 0 counts the level
// directories of each patient, and patients whose counts differ are rejected
// with ErrShapeMismatch.
func DiscoverLevelGroups(root string, levels int) ([]GroupRef, error) {
	groups, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset root %s", root)
	}

	var refs []GroupRef
	var firstDir string
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		patients, err := os.ReadDir(filepath.Join(root, g.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read group %s", g.Name())
		}
		for _, p := range patients {
			if !p.IsDir() {
				continue
			}
			patientDir := filepath.Join(root, g.Name(), p.Name())
			found, err := patientGroups(patientDir, levels)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				continue
			}
			if len(refs) == 0 {
				firstDir = patientDir
			} else if got, want := len(found[0].Paths), len(refs[0].Paths); got != want {
				return nil, errors.Wrapf(models.ErrShapeMismatch,
					"%s has %d levels but %s has %d", patientDir, got, firstDir, want)
			}
			refs = append(refs, found...)
		}
	}
	if len(refs) == 0 {
		return nil, errors.Wrapf(models.ErrNoData, "no complete level groups under %s", root)
	}
	return refs, nil
}

func patientGroups(patientDir string, levels int) ([]GroupRef, error) {
	base, err := os.ReadDir(LevelDir(patientDir, 0))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", patientDir)
	}

	if levels <= 0 {
		entries, err := os.ReadDir(patientDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", patientDir)
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), levelDirPrefix) {
				levels++
			}
		}
	}
	monitoring.Logf("dataset: %s has %d levels", patientDir, levels)

	var refs []GroupRef
	for b := 0; b < len(base); b++ {
		ref := GroupRef{}
		complete := true
		for l := 0; l < levels; l++ {
			name := LevelFile(l, b>>l)
			path := filepath.Join(LevelDir(patientDir, l), name)
			if _, err := os.Stat(path); err != nil {
				complete = false
				break
			}
			ref.Paths = append(ref.Paths, path)
			ref.Names = append(ref.Names, name)
		}
		if complete && len(ref.Paths) > 1 {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// LoadGroup reads every level of ref, resizing to size×size when positive
func LoadGroup(ref GroupRef, size int) (*models.LevelGroup, error) {
	g := &models.LevelGroup{Names: append([]string(nil), ref.Names...)}
	for i, path := range ref.Paths {
		s, err := imageio.LoadScan(path, size)
		if err != nil {
			return nil, errors.Wrapf(err, "level %d", i)
		}
		s.Index = i
		g.Levels = append(g.Levels, s)
	}
	return g, nil
}

// SplitGroups shuffles n indices with seed, keeps 90% for training and
// divides the rest between validation and test, validation taking the odd
// one out.
func SplitGroups(n int, seed int64) (train, val, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	trainSize := int(float64(n) * 0.9)
	rest := n - trainSize
	valSize := rest/2 + rest%2
	return perm[:trainSize], perm[trainSize : trainSize+valSize], perm[trainSize+valSize:]
}

// GroupBatch stacks the base levels into the input tensor and each further
// level into its own target tensor.
func GroupBatch(groups []*models.LevelGroup) (*models.Tensor, []*models.Tensor, error) {
	if len(groups) == 0 {
		return nil, nil, errors.Wrap(models.ErrNoData, "empty group batch")
	}
	levels := len(groups[0].Levels)
	if levels < 2 {
		return nil, nil, errors.Errorf("group has %d levels, need a base and at least one target", levels)
	}

	perLevel := make([][]*models.Scan, levels)
	for i, g := range groups {
		if len(g.Levels) != levels {
			return nil, nil, errors.Errorf("group %d has %d levels, want %d", i, len(g.Levels), levels)
		}
		for l, s := range g.Levels {
			perLevel[l] = append(perLevel[l], s)
		}
	}

	input, err := models.TensorFromScans(perLevel[0]...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "base level")
	}
	targets := make([]*models.Tensor, levels-1)
	for l := 1; l < levels; l++ {
		if targets[l-1], err = models.TensorFromScans(perLevel[l]...); err != nil {
			return nil, nil, errors.Wrapf(err, "level %d", l)
		}
	}
	return input, targets, nil
}
