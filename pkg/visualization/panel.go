package visualization

import (
	"image"
	"image/color"

	"github.com/pkg/errors"

	"octdenoise/internal/models"
	"octdenoise/pkg/imageio"
)

// panelGap is the white margin between tiles, in pixels
const panelGap = 4

// Panel lays scans out left to right on a white background, top aligned.
// Nil scans are skipped.
func Panel(tiles ...*models.Scan) (*image.Gray16, error) {
	var kept []*models.Scan
	width, height := 0, 0
	for _, t := range tiles {
		if t == nil {
			continue
		}
		if len(kept) > 0 {
			width += panelGap
		}
		kept = append(kept, t)
		width += t.Shape.Width
		if t.Shape.Height > height {
			height = t.Shape.Height
		}
	}
	if len(kept) == 0 {
		return nil, errors.Wrap(models.ErrNoData, "empty panel")
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.White)
		}
	}
	x0 := 0
	for _, t := range kept {
		tile := imageio.ScanToImage(t)
		for y := 0; y < t.Shape.Height; y++ {
			for x := 0; x < t.Shape.Width; x++ {
				img.SetGray16(x0+x, y, tile.Gray16At(x, y))
			}
		}
		x0 += t.Shape.Width + panelGap
	}
	return img, nil
}

// SavePanel writes the first batch item of each tensor side by side. Nil
// tensors are skipped, so a panel without flow maps is just input and
// output.
func SavePanel(path string, tensors ...*models.Tensor) error {
	tiles := make([]*models.Scan, 0, len(tensors))
	for _, t := range tensors {
		if t == nil || t.Batch == 0 {
			continue
		}
		tiles = append(tiles, t.Scan(0))
	}
	img, err := Panel(tiles...)
	if err != nil {
		return err
	}
	return imageio.SaveImage(path, img)
}
