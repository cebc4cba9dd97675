// Package pipeline prepares training pairs from raw OCT scan directories:
// every patient's B-scans are loaded, turned into OCTA pseudo-targets and
// paired with their source scans.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"octdenoise/internal/models"
	"octdenoise/pkg/dataset"
	"octdenoise/pkg/imageio"
	"octdenoise/pkg/octa"
	"octdenoise/pkg/visualization"
)

// Params holds the preprocessing configuration
type Params struct {
	// InputDir holds one scan directory per patient
	InputDir string

	// PatientPattern names a patient directory; %d is the patient number
	PatientPattern string

	// FirstPatient and Patients select the patient range
	FirstPatient int
	Patients     int

	// ImageSize is the side length scans are resized to
	ImageSize int

	// ImagesPerPatient caps the pairs taken from one patient; 0 keeps all
	ImagesPerPatient int

	OCTA octa.Params

	// ConsecutivePairs replaces each pseudo-target with the next scan of the
	// same patient, giving Noise2Noise-style pairs.
	ConsecutivePairs bool

	// SaveIntermediaryResults writes the scans, raw decorrelation maps,
	// thresholded maps, pseudo-targets and an en-face projection per patient.
	SaveIntermediaryResults bool

	// IntermediaryDir is where intermediary results are written
	IntermediaryDir string
}

// PatientSummary records what one patient contributed
type PatientSummary struct {
	Source    string
	Scans     int
	Targets   int
	Pairs     int
	Fallbacks int
}

// Pipeline runs pseudo-target synthesis over a range of patients
type Pipeline struct {
	params *Params
	synth  *octa.Synthesizer

	pairs     []models.Pair
	summaries []PatientSummary
}

// NewPipeline validates params and prepares the synthesizer
func NewPipeline(params *Params) (*Pipeline, error) {
	synth, err := octa.NewSynthesizer(params.OCTA)
	if err != nil {
		return nil, err
	}
	if params.Patients < 1 {
		return nil, fmt.Errorf("at least one patient is required, got %d", params.Patients)
	}
	return &Pipeline{params: params, synth: synth}, nil
}

// PatientDir returns the scan directory of patient number i
func (p *Pipeline) PatientDir(i int) string {
	return filepath.Join(p.params.InputDir, fmt.Sprintf(p.params.PatientPattern, i))
}

// Process loads and synthesizes every patient in range. A patient whose
// directory cannot be used is reported and skipped; Process fails only when
// no patient yields a pair.
func (p *Pipeline) Process() error {
	if p.params.SaveIntermediaryResults {
		if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %v", err)
		}
	}

	p.pairs = nil
	p.summaries = nil
	last := p.params.FirstPatient + p.params.Patients
	for i := p.params.FirstPatient; i < last; i++ {
		summary, err := p.processPatient(i)
		if err != nil {
			fmt.Printf("Warning: skipping patient %d: %v\n", i, err)
			continue
		}
		p.summaries = append(p.summaries, summary)
	}

	if len(p.pairs) == 0 {
		return fmt.Errorf("no training pairs from %d patients in %s: %w", p.params.Patients, p.params.InputDir, models.ErrNoData)
	}
	fmt.Printf("Prepared %d pairs from %d patients\n", len(p.pairs), len(p.summaries))
	return nil
}

func (p *Pipeline) processPatient(i int) (PatientSummary, error) {
	dir := p.PatientDir(i)
	stage := fmt.Sprintf("patient_%03d", i)

	// Step 1: load and resize the B-scans
	fmt.Printf("Step 1: Loading scans for patient %d...\n", i)
	seq, err := imageio.LoadScanDirectory(dir, p.params.ImageSize)
	if err != nil {
		return PatientSummary{}, fmt.Errorf("failed to load scans: %w", err)
	}
	summary := PatientSummary{Source: seq.Source, Scans: seq.Len()}
	if p.params.SaveIntermediaryResults {
		for j, s := range seq.Scans {
			p.saveIntermediaryResult(filepath.Join(stage, "01_scans"), s, j)
		}
	}

	// Step 2: synthesize pseudo-targets
	fmt.Println("Step 2: Synthesizing OCTA pseudo-targets...")
	p.synth.OnStage = func(pos int, st octa.Stage) {
		if st.Threshold.Policy == octa.PercentileFallback {
			summary.Fallbacks++
		}
		if p.params.SaveIntermediaryResults {
			p.saveIntermediaryResult(filepath.Join(stage, "02_decorrelation"), st.Raw, pos)
			p.saveIntermediaryResult(filepath.Join(stage, "03_thresholded"), st.Thresholded, pos)
			p.saveIntermediaryResult(filepath.Join(stage, "04_pseudo_targets"), st.Cleaned, pos)
		}
	}
	defer func() { p.synth.OnStage = nil }()

	// Step 3: pair targets with their source scans
	fmt.Println("Step 3: Pairing scans with pseudo-targets...")
	pairs, err := dataset.BuildPairs(seq, p.synth, p.params.ImagesPerPatient)
	if err != nil {
		return PatientSummary{}, fmt.Errorf("failed to build pairs: %w", err)
	}
	summary.Targets = seq.Len() - 2*p.params.OCTA.Neighbours
	if p.params.ConsecutivePairs {
		pairs = dataset.ConsecutivePairs(pairs)
		if len(pairs) == 0 {
			return PatientSummary{}, fmt.Errorf("no consecutive pairs: %w", models.ErrNoData)
		}
	}
	summary.Pairs = len(pairs)
	p.pairs = append(p.pairs, pairs...)

	if p.params.SaveIntermediaryResults {
		targets := make([]*models.Scan, len(pairs))
		for j, pr := range pairs {
			targets[j] = pr.Target
		}
		p.saveEnFace(stage, targets)
	}

	fmt.Printf("Patient %d: %d scans, %d pairs (%d percentile fallbacks)\n",
		i, summary.Scans, summary.Pairs, summary.Fallbacks)
	return summary, nil
}

// Pairs returns the pairs of every processed patient in patient order
func (p *Pipeline) Pairs() []models.Pair {
	return p.pairs
}

// Summaries returns one entry per patient that contributed pairs
func (p *Pipeline) Summaries() []PatientSummary {
	return p.summaries
}

// saveIntermediaryResult writes one scan of a stage. Failures only warn.
func (p *Pipeline) saveIntermediaryResult(stage string, s *models.Scan, index int) {
	filename := filepath.Join(p.params.IntermediaryDir, stage, fmt.Sprintf("%03d.png", index))
	if err := imageio.SaveScan(filename, s); err != nil {
		fmt.Printf("Warning: Failed to save %s %d: %v\n", stage, index, err)
	}
}

func (p *Pipeline) saveEnFace(stage string, targets []*models.Scan) {
	if len(targets) == 0 {
		return
	}
	viewer, err := visualization.NewViewer(targets)
	if err != nil {
		fmt.Printf("Warning: Failed to build en-face view: %v\n", err)
		return
	}
	filename := filepath.Join(p.params.IntermediaryDir, stage, "05_enface.png")
	if err := imageio.SaveScan(filename, viewer.EnFace()); err != nil {
		fmt.Printf("Warning: Failed to save en-face view: %v\n", err)
	}
}
