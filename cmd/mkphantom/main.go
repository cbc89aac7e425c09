// Command mkphantom writes a synthetic labeled volume as NIfTI, for smoke
// testing segmesh without a segmenter.
//
// Shapes:
//
//	sphere  solid ball of -label centred in the grid
//	nested  ball of -label inside a larger ball of label 1
//	corner  single voxel of -label at index (0, 0, 0)
//	empty   all zero
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/models"
	"segmesh/pkg/affine"
	"segmesh/pkg/nifti"
)

func main() {
	var shape string
	var size int
	var radius float64
	var label float64
	var spacing float64
	var mirror bool
	var outputPath string
	flag.StringVar(&shape, "shape", "sphere", "sphere, nested, corner or empty")
	flag.IntVar(&size, "size", 32, "voxels along each axis")
	flag.Float64Var(&radius, "radius", 10, "sphere radius in voxels")
	flag.Float64Var(&label, "label", 5, "label value of the structure")
	flag.Float64Var(&spacing, "spacing", 1, "voxel size in mm")
	flag.BoolVar(&mirror, "mirror", false, "flip the x axis (radiological orientation)")
	flag.StringVar(&outputPath, "output", "phantom.nii.gz", "output NIfTI file")
	flag.Parse()

	if size <= 0 {
		essentials.Die("size must be positive")
	}

	sx := spacing
	if mirror {
		sx = -spacing
	}
	aff, err := affine.Scaling(r3.Vec{X: sx, Y: spacing, Z: spacing}, r3.Vec{})
	essentials.Must(err)

	vol := models.NewVolume(size, size, size, aff)
	c := float64(size-1) / 2
	switch shape {
	case "sphere":
		fillBall(vol, c, radius, label)
	case "nested":
		fillBall(vol, c, radius*1.5, 1)
		fillBall(vol, c, radius, label)
	case "corner":
		vol.Set(0, 0, 0, label)
	case "empty":
	default:
		essentials.Die("unknown shape: " + shape)
	}

	essentials.Must(nifti.Save(outputPath, vol))
	fmt.Fprintf(os.Stderr, "wrote %s phantom %dx%dx%d to %s\n", shape, size, size, size, outputPath)
}

func fillBall(vol *models.Volume, c, radius, label float64) {
	for k := 0; k < vol.Dims[2]; k++ {
		for j := 0; j < vol.Dims[1]; j++ {
			for i := 0; i < vol.Dims[0]; i++ {
				dx, dy, dz := float64(i)-c, float64(j)-c, float64(k)-c
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
					vol.Set(i, j, k, label)
				}
			}
		}
	}
}
