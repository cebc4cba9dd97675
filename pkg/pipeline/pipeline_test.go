package pipeline

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
	"octdenoise/pkg/imageio"
	"octdenoise/pkg/octa"
)

// createPatient writes n random 8x8 scans into the directory of patient i
func createPatient(t *testing.T, root string, i, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(i)))
	dir := filepath.Join(root, fmt.Sprintf("patient (%d)", i))
	for j := 0; j < n; j++ {
		s := models.NewScan(models.Shape{Height: 8, Width: 8})
		for k := range s.Data {
			s.Data[k] = rng.Float64()
		}
		if err := imageio.SaveScan(filepath.Join(dir, fmt.Sprintf("scan_%02d.png", j)), s); err != nil {
			t.Fatalf("Failed to write test scan: %v", err)
		}
	}
}

func testParams(root string) *Params {
	return &Params{
		InputDir:        root,
		PatientPattern:  "patient (%d)",
		FirstPatient:    1,
		Patients:        2,
		ImageSize:       8,
		OCTA:            octa.DefaultParams(),
		IntermediaryDir: filepath.Join(root, "intermediary"),
	}
}

func TestProcessSkipsMissingPatients(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	createPatient(t, root, 1, 7)

	p, err := NewPipeline(testParams(root))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	pairs := p.Pairs()
	if len(pairs) != 3 {
		t.Fatalf("Expected 3 pairs, got %d", len(pairs))
	}
	for i, pr := range pairs {
		if pr.Position != i+2 || pr.Target.Index != i+2 {
			t.Errorf("Pair %d: expected position 2+%d, got input %d target %d", i, i, pr.Position, pr.Target.Index)
		}
	}

	summaries := p.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 patient summary, got %d", len(summaries))
	}
	if s := summaries[0]; s.Scans != 7 || s.Targets != 3 || s.Pairs != 3 {
		t.Errorf("Unexpected summary %+v", s)
	}
}

func TestProcessLimitsPairs(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	createPatient(t, root, 1, 7)
	createPatient(t, root, 2, 6)

	params := testParams(root)
	params.ImagesPerPatient = 2
	p, err := NewPipeline(params)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(p.Pairs()) != 4 {
		t.Errorf("Expected 4 pairs, got %d", len(p.Pairs()))
	}
	if len(p.Summaries()) != 2 {
		t.Errorf("Expected 2 patient summaries, got %d", len(p.Summaries()))
	}
}

func TestProcessConsecutivePairs(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	createPatient(t, root, 1, 7)
	createPatient(t, root, 2, 6)

	params := testParams(root)
	params.ConsecutivePairs = true
	p, err := NewPipeline(params)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// patient 1 yields 3 pseudo-target pairs, patient 2 yields 2, and each
	// loses one pair at its end; no pair crosses a patient boundary
	pairs := p.Pairs()
	if len(pairs) != 3 {
		t.Fatalf("Expected 3 pairs, got %d", len(pairs))
	}
	wantInputs := []int{2, 3, 2}
	for i, pr := range pairs {
		if pr.Input.Index != wantInputs[i] {
			t.Errorf("Pair %d: expected input scan %d, got %d", i, wantInputs[i], pr.Input.Index)
		}
		if pr.Target.Index != pr.Input.Index+1 {
			t.Errorf("Pair %d: expected target to follow input %d, got %d", i, pr.Input.Index, pr.Target.Index)
		}
	}
	if s := p.Summaries(); len(s) != 2 || s[0].Pairs != 2 || s[1].Pairs != 1 {
		t.Errorf("Unexpected summaries %+v", s)
	}
}

func TestProcessSavesIntermediaryResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	monitoring.SetLogger(nil)
	root := t.TempDir()
	createPatient(t, root, 1, 5)

	params := testParams(root)
	params.Patients = 1
	params.SaveIntermediaryResults = true
	p, err := NewPipeline(params)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []string{
		"patient_001/01_scans/000.png",
		"patient_001/01_scans/004.png",
		"patient_001/02_decorrelation/002.png",
		"patient_001/03_thresholded/002.png",
		"patient_001/04_pseudo_targets/002.png",
		"patient_001/05_enface.png",
	}
	for _, name := range want {
		path := filepath.Join(params.IntermediaryDir, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected intermediary file %s: %v", name, err)
		}
	}
}

func TestProcessWithoutData(t *testing.T) {
	monitoring.SetLogger(nil)
	root := t.TempDir()
	// too few scans for two neighbours on each side
	createPatient(t, root, 1, 3)

	p, err := NewPipeline(testParams(root))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	err = p.Process()
	if !errors.Is(err, models.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}

func TestNewPipelineValidates(t *testing.T) {
	params := testParams(t.TempDir())
	params.OCTA.Neighbours = 0
	if _, err := NewPipeline(params); err == nil {
		t.Error("Expected error for zero neighbours, got nil")
	}

	params = testParams(t.TempDir())
	params.Patients = 0
	if _, err := NewPipeline(params); err == nil {
		t.Error("Expected error for zero patients, got nil")
	}
}

func TestPatientDir(t *testing.T) {
	p, err := NewPipeline(testParams("/data"))
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if got := p.PatientDir(12); got != filepath.Join("/data", "patient (12)") {
		t.Errorf("Unexpected patient directory %s", got)
	}
}
