// Package marching extracts the boundary surface of an occupancy field as an
// indexed triangle mesh in voxel index space.
//
// The field is sampled at voxel centres and treated as 0 (empty) or 1
// (occupied). Every lattice cube is split into six tetrahedra that share the
// cube's main diagonal, and each tetrahedron is cut at the iso level. The
// split is the same in every cube, so neighbouring cubes agree on their
// shared faces and the resulting surface has no cracks.
package marching

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/models"
)

// ErrExtraction is returned when the field cannot be polygonised.
var ErrExtraction = errors.New("isosurface extraction failed")

// Options controls extraction.
type Options struct {
	// Level is the iso value in the {0, 1} field. It must lie strictly
	// between 0 and 1; 0.5 puts vertices halfway between voxel centres.
	Level float64

	// Pad surrounds the field with one layer of empty voxels so that
	// structures touching the volume border still yield a closed surface.
	Pad bool
}

// DefaultOptions returns the options used by the reconstruction pipeline.
func DefaultOptions() Options {
	return Options{Level: 0.5, Pad: true}
}

// Cube corners are numbered by their offset bits: x | y<<1 | z<<2.
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

// Kuhn decomposition: one tetrahedron per axis permutation, each walking
// from corner 0 to corner 7 along the permuted axes.
var tetrahedra = [6][4]int{
	{0, 1, 3, 7}, // x, y, z
	{0, 1, 5, 7}, // x, z, y
	{0, 2, 3, 7}, // y, x, z
	{0, 2, 6, 7}, // y, z, x
	{0, 4, 5, 7}, // z, x, y
	{0, 4, 6, 7}, // z, y, x
}

type extractor struct {
	occ   *models.Occupancy
	level float64
	pad   int

	// lattice dimensions including padding
	nx, ny, nz int

	mesh  *models.VoxelMesh
	edges map[[2]int]int
}

// Extract polygonises the boundary between occupied and empty voxels.
// An empty result is valid and returned without error.
func Extract(occ *models.Occupancy, opts Options) (*models.VoxelMesh, error) {
	if occ == nil {
		return nil, fmt.Errorf("%w: nil occupancy field", ErrExtraction)
	}
	if opts.Level <= 0 || opts.Level >= 1 {
		return nil, fmt.Errorf("%w: level %v outside (0, 1)", ErrExtraction, opts.Level)
	}
	n := 1
	for axis, d := range occ.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("%w: dimension %d is %d", ErrExtraction, axis, d)
		}
		if d < 2 && !opts.Pad {
			return nil, fmt.Errorf("%w: dimension %d is %d, need at least 2 without padding", ErrExtraction, axis, d)
		}
		n *= d
	}
	if len(occ.Mask) != n {
		return nil, fmt.Errorf("%w: mask has %d voxels, dimensions %v imply %d", ErrExtraction, len(occ.Mask), occ.Dims, n)
	}

	e := &extractor{
		occ:   occ,
		level: opts.Level,
		mesh:  &models.VoxelMesh{Vertices: []r3.Vec{}, Faces: [][3]int{}},
		edges: make(map[[2]int]int),
	}
	if opts.Pad {
		e.pad = 1
	}
	e.nx = occ.Dims[0] + 2*e.pad
	e.ny = occ.Dims[1] + 2*e.pad
	e.nz = occ.Dims[2] + 2*e.pad

	e.run()
	return e.mesh, nil
}

// value samples the field at lattice point (x, y, z), which is in padded
// coordinates.
func (e *extractor) value(x, y, z int) float64 {
	x, y, z = x-e.pad, y-e.pad, z-e.pad
	d := e.occ.Dims
	if x < 0 || y < 0 || z < 0 || x >= d[0] || y >= d[1] || z >= d[2] {
		return 0
	}
	if e.occ.Mask[x+d[0]*(y+d[1]*z)] {
		return 1
	}
	return 0
}

func (e *extractor) run() {
	var ids [8]int
	var pos [8]r3.Vec
	var vals [8]float64

	for z := 0; z < e.nz-1; z++ {
		for y := 0; y < e.ny-1; y++ {
			for x := 0; x < e.nx-1; x++ {
				inside := 0
				for c, off := range cornerOffsets {
					cx, cy, cz := x+off[0], y+off[1], z+off[2]
					vals[c] = e.value(cx, cy, cz)
					if vals[c] > e.level {
						inside++
					}
				}
				if inside == 0 || inside == 8 {
					continue
				}

				for c, off := range cornerOffsets {
					cx, cy, cz := x+off[0], y+off[1], z+off[2]
					ids[c] = cx + e.nx*(cy+e.ny*cz)
					pos[c] = r3.Vec{
						X: float64(cx - e.pad),
						Y: float64(cy - e.pad),
						Z: float64(cz - e.pad),
					}
				}
				for _, tet := range tetrahedra {
					e.tetrahedron(tet, &ids, &pos, &vals)
				}
			}
		}
	}
}

// tetrahedron emits the triangles cutting one tetrahedron of the current cube.
func (e *extractor) tetrahedron(tet [4]int, ids *[8]int, pos *[8]r3.Vec, vals *[8]float64) {
	var in, out []int
	for _, c := range tet {
		if vals[c] > e.level {
			in = append(in, c)
		} else {
			out = append(out, c)
		}
	}

	// Normals point from the occupied corners towards the empty ones.
	var inC, outC r3.Vec
	for _, c := range in {
		inC = r3.Add(inC, pos[c])
	}
	for _, c := range out {
		outC = r3.Add(outC, pos[c])
	}
	if len(in) > 0 && len(out) > 0 {
		inC = r3.Scale(1/float64(len(in)), inC)
		outC = r3.Scale(1/float64(len(out)), outC)
	}
	dir := r3.Sub(outC, inC)

	edge := func(a, b int) int { return e.vertex(a, b, ids, pos, vals) }

	switch len(in) {
	case 1:
		a := in[0]
		e.face(edge(a, out[0]), edge(a, out[1]), edge(a, out[2]), dir)
	case 3:
		d := out[0]
		e.face(edge(d, in[0]), edge(d, in[1]), edge(d, in[2]), dir)
	case 2:
		a, b := in[0], in[1]
		c, d := out[0], out[1]
		ac, ad, bd, bc := edge(a, c), edge(a, d), edge(b, d), edge(b, c)
		e.face(ac, ad, bd, dir)
		e.face(ac, bd, bc, dir)
	}
}

// vertex returns the index of the surface vertex on the lattice edge between
// corners a and b, creating it on first use.
func (e *extractor) vertex(a, b int, ids *[8]int, pos *[8]r3.Vec, vals *[8]float64) int {
	ia, ib := ids[a], ids[b]
	if ia > ib {
		a, b = b, a
		ia, ib = ib, ia
	}
	key := [2]int{ia, ib}
	if idx, ok := e.edges[key]; ok {
		return idx
	}

	t := (e.level - vals[a]) / (vals[b] - vals[a])
	p := r3.Add(pos[a], r3.Scale(t, r3.Sub(pos[b], pos[a])))

	idx := len(e.mesh.Vertices)
	e.mesh.Vertices = append(e.mesh.Vertices, p)
	e.edges[key] = idx
	return idx
}

// face appends triangle (i, j, k), swapping the winding when its normal
// disagrees with dir.
func (e *extractor) face(i, j, k int, dir r3.Vec) {
	v := e.mesh.Vertices
	n := r3.Cross(r3.Sub(v[j], v[i]), r3.Sub(v[k], v[i]))
	if r3.Dot(n, dir) < 0 {
		j, k = k, j
	}
	e.mesh.Faces = append(e.mesh.Faces, [3]int{i, j, k})
}
