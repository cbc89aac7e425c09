// Package affine maps voxel index coordinates into physical space using the
// 4x4 homogeneous transform stored in a volume header.
package affine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingular is returned when a transform cannot be inverted.
var ErrSingular = errors.New("affine: singular transform")

// Transform is an immutable 4x4 homogeneous affine transform mapping
// (i, j, k, 1) voxel indices to (x, y, z, 1) physical coordinates.
type Transform struct {
	m *mat.Dense
}

// New builds a transform from 16 values in row-major order. The last row
// must be (0, 0, 0, 1) and the upper 3x3 block must be invertible.
func New(values [16]float64) (*Transform, error) {
	data := make([]float64, 16)
	copy(data, values[:])
	return FromDense(mat.NewDense(4, 4, data))
}

// FromDense copies m into a new transform after validating it.
func FromDense(m mat.Matrix) (*Transform, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, fmt.Errorf("affine: expected 4x4 matrix, got %dx%d", r, c)
	}

	dense := mat.DenseCopyOf(m)
	for col := 0; col < 3; col++ {
		if dense.At(3, col) != 0 {
			return nil, fmt.Errorf("affine: last row must be (0, 0, 0, 1), got %v", mat.Row(nil, 3, dense))
		}
	}
	if dense.At(3, 3) != 1 {
		return nil, fmt.Errorf("affine: last row must be (0, 0, 0, 1), got %v", mat.Row(nil, 3, dense))
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if v := dense.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("affine: non-finite element at (%d, %d)", i, j)
			}
		}
	}

	t := &Transform{m: dense}
	if t.Det() == 0 {
		return nil, ErrSingular
	}
	return t, nil
}

// Identity returns the identity transform.
func Identity() *Transform {
	return &Transform{m: mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})}
}

// Scaling returns a diagonal transform with the given voxel spacing and a
// translation to origin.
func Scaling(spacing, origin r3.Vec) (*Transform, error) {
	return New([16]float64{
		spacing.X, 0, 0, origin.X,
		0, spacing.Y, 0, origin.Y,
		0, 0, spacing.Z, origin.Z,
		0, 0, 0, 1,
	})
}

// At returns the element at row i, column j.
func (t *Transform) At(i, j int) float64 {
	return t.m.At(i, j)
}

// Values returns the transform elements in row-major order.
func (t *Transform) Values() [16]float64 {
	var out [16]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = t.m.At(i, j)
		}
	}
	return out
}

// Det returns the determinant of the transform. Since the last row is
// fixed this equals the determinant of the linear 3x3 block.
func (t *Transform) Det() float64 {
	return mat.Det(t.m)
}

// Apply maps a single voxel-space point into physical space.
func (t *Transform) Apply(v r3.Vec) r3.Vec {
	m := t.m
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z + m.At(0, 3),
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z + m.At(1, 3),
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z + m.At(2, 3),
	}
}

// MapVertices applies t to every vertex. The result has the same length and
// order as verts; verts itself is left untouched.
func MapVertices(t *Transform, verts []r3.Vec) []r3.Vec {
	if len(verts) == 0 {
		return []r3.Vec{}
	}

	// Homogeneous points as the columns of a 4xN matrix, multiplied in one
	// pass: physical = A * [i j k 1]^T.
	n := len(verts)
	points := mat.NewDense(4, n, nil)
	for c, v := range verts {
		points.Set(0, c, v.X)
		points.Set(1, c, v.Y)
		points.Set(2, c, v.Z)
		points.Set(3, c, 1)
	}

	var mapped mat.Dense
	mapped.Mul(t.m, points)

	out := make([]r3.Vec, n)
	for c := range out {
		out[c] = r3.Vec{X: mapped.At(0, c), Y: mapped.At(1, c), Z: mapped.At(2, c)}
	}
	return out
}

// String formats the transform one row per line.
func (t *Transform) String() string {
	return fmt.Sprintf("%v", mat.Formatted(t.m, mat.Squeeze()))
}
