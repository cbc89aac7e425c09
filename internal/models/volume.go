package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/pkg/affine"
)

// Volume represents a 3D scalar or label image loaded from a volume file
type Volume struct {
	// Data holds the voxel values with x varying fastest:
	// idx = i + Dims[0]*(j + Dims[1]*k)
	Data []float64

	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Affine maps (i, j, k) voxel indices to physical coordinates in mm.
	// It is read once from the file and never modified.
	Affine *affine.Transform
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(nx, ny, nz int, aff *affine.Transform) *Volume {
	if aff == nil {
		aff = affine.Identity()
	}
	return &Volume{
		Data:   make([]float64, nx*ny*nz),
		Dims:   [3]int{nx, ny, nz},
		Affine: aff,
	}
}

// Len returns the number of voxels implied by Dims
func (v *Volume) Len() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index returns the flat index of voxel (i, j, k)
func (v *Volume) Index(i, j, k int) int {
	return i + v.Dims[0]*(j+v.Dims[1]*k)
}

// At returns the value of voxel (i, j, k)
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Set stores value at voxel (i, j, k)
func (v *Volume) Set(i, j, k int, value float64) {
	v.Data[v.Index(i, j, k)] = value
}

// Validate checks that the dimensions are positive and agree with the data length
func (v *Volume) Validate() error {
	for axis, n := range v.Dims {
		if n <= 0 {
			return fmt.Errorf("dimension %d must be positive, got %d", axis, n)
		}
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match dimensions %v", len(v.Data), v.Dims)
	}
	return nil
}

// Occupancy is a boolean volume marking voxels that belong to the target
// structure. It always has the shape of the Volume it was derived from.
type Occupancy struct {
	Mask []bool
	Dims [3]int

	// Count is the number of true entries in Mask
	Count int
}

// Index returns the flat index of voxel (i, j, k)
func (o *Occupancy) Index(i, j, k int) int {
	return i + o.Dims[0]*(j+o.Dims[1]*k)
}

// At reports whether voxel (i, j, k) is occupied
func (o *Occupancy) At(i, j, k int) bool {
	return o.Mask[o.Index(i, j, k)]
}

// VoxelMesh is an indexed triangle mesh in voxel index space, as produced by
// isosurface extraction
type VoxelMesh struct {
	Vertices []r3.Vec
	Faces    [][3]int
}

// Triangle is a single physical-space triangle carrying its own vertices
type Triangle [3]r3.Vec

// Mesh is a triangle soup in physical coordinates
type Mesh struct {
	Triangles []Triangle
}

// Bounds returns the axis-aligned bounding box of the mesh. ok is false for
// an empty mesh.
func (m *Mesh) Bounds() (min, max r3.Vec, ok bool) {
	if len(m.Triangles) == 0 {
		return r3.Vec{}, r3.Vec{}, false
	}
	min = m.Triangles[0][0]
	max = min
	for _, t := range m.Triangles {
		for _, p := range t {
			min = r3.Vec{X: minf(min.X, p.X), Y: minf(min.Y, p.Y), Z: minf(min.Z, p.Z)}
			max = r3.Vec{X: maxf(max.X, p.X), Y: maxf(max.Y, p.Y), Z: maxf(max.Z, p.Z)}
		}
	}
	return min, max, true
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// FlipWinding reverses the vertex order of every face, turning the normals
// around.
func (m *VoxelMesh) FlipWinding() {
	for i, f := range m.Faces {
		m.Faces[i] = [3]int{f[0], f[2], f[1]}
	}
}
