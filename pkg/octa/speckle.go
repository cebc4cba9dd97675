package octa

import (
	"octdenoise/internal/models"
)

// neighbours8 are the offsets of an 8-connected neighbourhood
var neighbours8 = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// LabelComponents labels the 8-connected components of the pixels of img
// that are greater than zero. labels[i] is 0 for background and 1..n for the
// components; areas[k] is the pixel count of component k (areas[0] unused).
func LabelComponents(img *models.Scan) (labels []int, areas []int) {
	h, w := img.Shape.Height, img.Shape.Width
	labels = make([]int, h*w)
	areas = []int{0}
	stack := make([]int, 0, 64)

	for start, v := range img.Data {
		if v <= 0 || labels[start] != 0 {
			continue
		}
		label := len(areas)
		area := 0
		labels[start] = label
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			y, x := idx/w, idx%w
			for _, d := range neighbours8 {
				ny, nx := y+d[0], x+d[1]
				if ny < 0 || ny >= h || nx < 0 || nx >= w {
					continue
				}
				n := ny*w + nx
				if img.Data[n] > 0 && labels[n] == 0 {
					labels[n] = label
					stack = append(stack, n)
				}
			}
		}
		areas = append(areas, area)
	}
	return labels, areas
}

// RemoveSpeckle zeroes every 8-connected region of positive pixels with
// fewer than minSize pixels. Surviving pixels keep their original values;
// non-positive pixels come out as 0.
func RemoveSpeckle(img *models.Scan, minSize int) *models.Scan {
	out := img.Clone()
	labels, areas := LabelComponents(img)
	for i, l := range labels {
		if l == 0 || areas[l] < minSize {
			out.Data[i] = 0
		}
	}
	return out
}

// Foreground counts the positive pixels of img
func Foreground(img *models.Scan) int {
	n := 0
	for _, v := range img.Data {
		if v > 0 {
			n++
		}
	}
	return n
}
