// Package visualization renders orthogonal slices of volumes and occupancy
// fields as grayscale JPEG images for visual QA of a reconstruction.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"segmesh/internal/models"
)

// Viewer extracts 2D slices from a 3D volume
type Viewer struct {
	// data holds voxel values normalised to [0, 1], x fastest
	data []float64

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer for a scalar volume. Values are rescaled
// linearly so the minimum maps to black and the maximum to white.
func NewViewer(vol *models.Volume) *Viewer {
	data := make([]float64, len(vol.Data))
	copy(data, vol.Data)
	if len(data) > 0 {
		lo, hi := floats.Min(data), floats.Max(data)
		if hi > lo {
			floats.AddConst(-lo, data)
			floats.Scale(1/(hi-lo), data)
		} else {
			for i := range data {
				data[i] = 0
			}
		}
	}
	return &Viewer{data: data, width: vol.Dims[0], height: vol.Dims[1], depth: vol.Dims[2]}
}

// NewMaskViewer creates a viewer showing occupied voxels in white
func NewMaskViewer(occ *models.Occupancy) *Viewer {
	data := make([]float64, len(occ.Mask))
	for i, m := range occ.Mask {
		if m {
			data[i] = 1
		}
	}
	return &Viewer{data: data, width: occ.Dims[0], height: occ.Dims[1], depth: occ.Dims[2]}
}

func (v *Viewer) gray(idx int) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v.data[idx]*65535)))}
}

// ExtractSlice extracts a 2D slice from the 3D volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(position+v.width*(y+v.height*z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(x+v.width*(position+v.height*z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(x+v.width*(y+v.height*position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveAllSlices writes every slice along x, y and z to outputDir/<axis>/.
// It stops at the first axis that fails.
func (v *Viewer) SaveAllSlices(outputDir string) error {
	for _, axis := range []string{"x", "y", "z"} {
		if err := v.SaveSliceSequence(axis, filepath.Join(outputDir, axis)); err != nil {
			return fmt.Errorf("axis %s: %w", axis, err)
		}
	}
	return nil
}

// SaveCentralSlices writes the middle slice along each axis to outputDir as
// mid_x.jpg, mid_y.jpg and mid_z.jpg and returns the written paths.
func (v *Viewer) SaveCentralSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, s := range []struct {
		axis string
		pos  int
	}{{"x", v.width / 2}, {"y", v.height / 2}, {"z", v.depth / 2}} {
		img, err := v.ExtractSlice(s.axis, s.pos)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("mid_%s.jpg", s.axis))
		if err := v.SaveSlice(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
