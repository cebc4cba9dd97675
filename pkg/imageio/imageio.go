// Package imageio loads OCT B-scan directories into scan sequences and
// writes scans back out as grayscale images.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthonynsimon/bild/transform"
	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
)

// Extensions are tried in order; the first one with any match wins
var Extensions = []string{".tiff", ".tif", ".png", ".jpg"}

// ListScans returns the sorted scan files of dir for the first extension
// that matches anything.
func ListScans(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scan directory %s", dir)
	}
	for _, ext := range Extensions {
		var files []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.EqualFold(filepath.Ext(e.Name()), ext) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
		if len(files) > 0 {
			sort.Strings(files)
			return files, nil
		}
	}
	return nil, nil
}

// LoadScanDirectory loads every scan of dir in order. Scans are resized to
// size×size when size is positive. Unreadable files are logged and skipped.
func LoadScanDirectory(dir string, size int) (*models.ScanSequence, error) {
	files, err := ListScans(dir)
	if err != nil {
		return nil, err
	}

	seq := &models.ScanSequence{Source: dir}
	for _, path := range files {
		scan, err := LoadScan(path, size)
		if err != nil {
			monitoring.Logf("skipping %s: %v", path, err)
			continue
		}
		scan.Index = len(seq.Scans)
		seq.Scans = append(seq.Scans, scan)
	}
	if len(seq.Scans) == 0 {
		return nil, errors.Wrapf(models.ErrNoData, "no readable scans in %s", dir)
	}
	if _, err := seq.Shape(); err != nil {
		return nil, errors.Wrapf(err, "scans in %s", dir)
	}
	return seq, nil
}

// LoadScan decodes one image file into a scan with values in [0, 1]
func LoadScan(path string, size int) (*models.Scan, error) {
	img, err := decode(path)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		b := img.Bounds()
		if b.Dx() != size || b.Dy() != size {
			img = transform.Resize(img, size, size, transform.Linear)
		}
	}
	scan := ImageToScan(img)
	scan.Filename = filepath.Base(path)
	if !scan.Finite() {
		return nil, errors.Errorf("%s contains non-finite values", path)
	}
	return scan, nil
}

func decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return img, nil
}

// ImageToScan takes the first channel of img scaled to [0, 1]
func ImageToScan(img image.Image) *models.Scan {
	bounds := img.Bounds()
	scan := models.NewScan(models.Shape{Height: bounds.Dy(), Width: bounds.Dx()})
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			scan.Data[y*bounds.Dx()+x] = float64(r) / 65535.0
		}
	}
	return scan
}

// ScanToImage converts a scan to 16-bit grayscale, clamping to [0, 1]
func ScanToImage(s *models.Scan) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, s.Shape.Width, s.Shape.Height))
	for y := 0; y < s.Shape.Height; y++ {
		for x := 0; x < s.Shape.Width; x++ {
			v := s.Data[y*s.Shape.Width+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535.0 + 0.5)})
		}
	}
	return img
}

// SaveImage encodes img by the extension of path (.png, .jpg or .jpeg),
// creating parent directories as needed.
func SaveImage(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %v", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(file, img)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return fmt.Errorf("unsupported image format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode image: %v", err)
	}
	return nil
}

// SaveScan writes s as an image at path
func SaveScan(path string, s *models.Scan) error {
	return SaveImage(path, ScanToImage(s))
}
