package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"octdenoise/internal/models"
	"octdenoise/internal/monitoring"
)

func grayImage(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeTIFF(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func TestExtensionPreference(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), grayImage(4, 4, 10))
	writeTIFF(t, filepath.Join(dir, "b.tif"), grayImage(4, 4, 20))
	writeTIFF(t, filepath.Join(dir, "a.tif"), grayImage(4, 4, 30))

	files, err := ListScans(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.tif")}, files)

	seq, err := LoadScanDirectory(dir, 0)
	require.NoError(t, err)
	require.Equal(t, 2, seq.Len())
	assert.InDelta(t, 30.0/255, seq.Scans[0].Data[0], 1e-9)
	assert.InDelta(t, 20.0/255, seq.Scans[1].Data[0], 1e-9)
	assert.Equal(t, "a.tif", seq.Scans[0].Filename)
	assert.Equal(t, 1, seq.Scans[1].Index)
}

func TestResize(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "000.png"), grayImage(8, 6, 255))

	seq, err := LoadScanDirectory(dir, 4)
	require.NoError(t, err)
	shape, err := seq.Shape()
	require.NoError(t, err)
	assert.Equal(t, models.Shape{Height: 4, Width: 4}, shape)
	for _, v := range seq.Scans[0].Data {
		assert.InDelta(t, 1.0, v, 0.005)
	}
}

func TestUnreadableFilesAreSkipped(t *testing.T) {
	monitoring.SetLogger(nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000.png"), []byte("not an image"), 0644))
	writePNG(t, filepath.Join(dir, "001.png"), grayImage(2, 2, 51))

	seq, err := LoadScanDirectory(dir, 0)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())
	assert.InDelta(t, 0.2, seq.Scans[0].Data[0], 1e-9)
	assert.Equal(t, 0, seq.Scans[0].Index)
}

func TestEmptyDirectory(t *testing.T) {
	monitoring.SetLogger(nil)
	dir := t.TempDir()
	_, err := LoadScanDirectory(dir, 0)
	assert.ErrorIs(t, err, models.ErrNoData)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte{0}, 0644))
	_, err = LoadScanDirectory(dir, 0)
	assert.ErrorIs(t, err, models.ErrNoData)

	_, err = LoadScanDirectory(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}

func TestMixedSizesWithoutResizeFail(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "0.png"), grayImage(2, 2, 1))
	writePNG(t, filepath.Join(dir, "1.png"), grayImage(3, 2, 1))

	_, err := LoadScanDirectory(dir, 0)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestScanImageRoundTrip(t *testing.T) {
	s := models.NewScan(models.Shape{Height: 2, Width: 3})
	s.Data = []float64{0, 0.25, 0.5, 0.75, 1, 1.5}

	img := ScanToImage(s)
	assert.Equal(t, color.Gray16{Y: 65535}, img.Gray16At(2, 1))

	back := ImageToScan(img)
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.5, 0.75, 1, 1}, back.Data, 1e-4)

	path := filepath.Join(t.TempDir(), "out", "scan.png")
	require.NoError(t, SaveScan(path, s))
	loaded, err := LoadScan(path, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, back.Data, loaded.Data, 1e-9)

	assert.Error(t, SaveScan(filepath.Join(t.TempDir(), "scan.bmp"), s))
}
