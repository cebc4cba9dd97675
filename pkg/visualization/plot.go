package visualization

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"octdenoise/internal/models"
)

// PlotHistory draws training and validation loss per epoch and saves the
// figure; the format follows the file extension.
func PlotHistory(path, title string, trainLoss, valLoss []float64) error {
	if len(trainLoss) == 0 && len(valLoss) == 0 {
		return errors.Wrap(models.ErrNoData, "plot history")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	series := []struct {
		label  string
		values []float64
		color  color.Color
	}{
		{"Train", trainLoss, color.RGBA{R: 31, G: 119, B: 180, A: 255}},
		{"Validation", valLoss, color.RGBA{R: 255, G: 127, B: 14, A: 255}},
	}
	for _, s := range series {
		if len(s.values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.values))
		for i, v := range s.values {
			pts[i] = plotter.XY{X: float64(i + 1), Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "%s loss line", s.label)
		}
		line.Color = s.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create plot directory")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrap(err, "save loss plot")
	}
	return nil
}
