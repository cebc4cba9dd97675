package octa

import (
	"fmt"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
)

// Params controls pseudo-target synthesis
type Params struct {
	// Neighbours is the radius n: each interior scan is compared with the n
	// scans before and the n scans after it.
	Neighbours int

	// ThresholdPercentile is the percentile p of the source scan below which
	// pixels are background.
	ThresholdPercentile float64

	// SpeckleMinSize is the smallest 8-connected region kept, in pixels.
	SpeckleMinSize int

	// Epsilon guards the decorrelation denominator.
	Epsilon float64
}

// DefaultParams returns the most common experiment settings
func DefaultParams() Params {
	return Params{
		Neighbours:          2,
		ThresholdPercentile: 20,
		SpeckleMinSize:      10,
		Epsilon:             DefaultEpsilon,
	}
}

// Validate checks that the parameters describe a usable synthesizer
func (p Params) Validate() error {
	if p.Neighbours < 1 {
		return errors.Errorf("neighbours must be at least 1, got %d", p.Neighbours)
	}
	if p.ThresholdPercentile < 0 || p.ThresholdPercentile > 100 {
		return errors.Errorf("threshold percentile must lie in [0,100], got %g", p.ThresholdPercentile)
	}
	if p.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %g", p.Epsilon)
	}
	return nil
}

// Stage is an intermediate product of synthesis for one interior position
type Stage struct {
	Raw         *models.Scan
	Thresholded *models.Scan
	Cleaned     *models.Scan
	Threshold   ThresholdResult
}

// Synthesizer turns a scan sequence into one pseudo-target per interior scan
type Synthesizer struct {
	params Params

	// OnStage, when set, receives every intermediate product in sequence order
	OnStage func(position int, st Stage)
}

// NewSynthesizer creates a synthesizer with validated parameters
func NewSynthesizer(params Params) (*Synthesizer, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "octa synthesizer")
	}
	return &Synthesizer{params: params}, nil
}

// Params returns the synthesizer configuration
func (s *Synthesizer) Params() Params {
	return s.params
}

// Synthesize produces the pseudo-targets of seq for positions [n, len-n).
// Output index i corresponds to scan i+n; each target carries that scan
// index in its Index field.
func (s *Synthesizer) Synthesize(seq *models.ScanSequence) ([]*models.Scan, error) {
	if _, err := seq.Shape(); err != nil {
		return nil, errors.Wrap(err, "synthesize")
	}
	n := s.params.Neighbours
	if seq.Len() < 2*n+1 {
		return nil, errors.Wrapf(models.ErrNoData, "sequence %q has %d scans, need at least %d for %d neighbours",
			seq.Source, seq.Len(), 2*n+1, n)
	}

	targets := make([]*models.Scan, 0, seq.Len()-2*n)
	fallbacks := 0
	for i := n; i < seq.Len()-n; i++ {
		st, err := s.synthesizeAt(seq, i)
		if err != nil {
			return nil, errors.Wrapf(err, "position %d", i)
		}
		if st.Threshold.Policy == PercentileFallback {
			fallbacks++
		}
		if s.OnStage != nil {
			s.OnStage(i, st)
		}
		targets = append(targets, st.Cleaned)
	}

	if fallbacks > 0 {
		monitoring.Logf("octa: %d of %d scans in %q had no background below the %gth percentile; used percentile threshold",
			fallbacks, len(targets), seq.Source, s.params.ThresholdPercentile)
	}
	return targets, nil
}

// synthesizeAt averages the 2n decorrelation maps around position i,
// thresholds the average against scan i and removes speckle.
func (s *Synthesizer) synthesizeAt(seq *models.ScanSequence, i int) (Stage, error) {
	n := s.params.Neighbours
	center := seq.Scans[i]
	raw := models.NewScan(center.Shape)

	for j := i - n; j <= i+n; j++ {
		if j == i {
			continue
		}
		d, err := Decorrelate(center, seq.Scans[j], s.params.Epsilon)
		if err != nil {
			return Stage{}, errors.Wrapf(err, "neighbour %d", j)
		}
		for k, v := range d.Data {
			raw.Data[k] += v
		}
	}
	inv := 1 / float64(2*n)
	for k := range raw.Data {
		raw.Data[k] *= inv
	}

	thresholded, res, err := ApplyBackgroundThreshold(raw, center, s.params.ThresholdPercentile)
	if err != nil {
		return Stage{}, err
	}
	cleaned := RemoveSpeckle(thresholded, s.params.SpeckleMinSize)

	for _, sc := range []*models.Scan{raw, thresholded, cleaned} {
		sc.Index = i
		sc.Filename = fmt.Sprintf("octa_%03d", i)
	}
	return Stage{Raw: raw, Thresholded: thresholded, Cleaned: cleaned, Threshold: res}, nil
}

// Pair matches pseudo-targets with their source scans. targets must be the
// output of Synthesize on seq with the same neighbour radius: target i is
// paired with scan i+n and the pairing is rejected if the recorded indices
// disagree. At most limit pairs are returned when limit > 0.
func Pair(seq *models.ScanSequence, targets []*models.Scan, neighbours, limit int) ([]models.Pair, error) {
	if want := seq.Len() - 2*neighbours; len(targets) != want {
		return nil, errors.Errorf("pair: %d targets for a sequence of %d scans with %d neighbours, want %d",
			len(targets), seq.Len(), neighbours, want)
	}

	pairs := make([]models.Pair, 0, len(targets))
	for i, tgt := range targets {
		pos := i + neighbours
		if tgt.Index != pos {
			return nil, errors.Errorf("pair: target %d was synthesized for scan %d, expected scan %d", i, tgt.Index, pos)
		}
		src := seq.Scans[pos]
		if err := models.CheckShapes(src.Shape, tgt.Shape); err != nil {
			return nil, errors.Wrapf(err, "pair %d", i)
		}
		pairs = append(pairs, models.Pair{Input: src, Target: tgt, Position: pos})
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs, nil
}
