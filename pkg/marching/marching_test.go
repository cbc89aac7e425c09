package marching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/models"
)

// sphereField builds a size^3 occupancy field holding a solid sphere
func sphereField(size int, radius float64) *models.Occupancy {
	occ := &models.Occupancy{Mask: make([]bool, size*size*size), Dims: [3]int{size, size, size}}
	center := float64(size-1) / 2
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					occ.Mask[occ.Index(x, y, z)] = true
					occ.Count++
				}
			}
		}
	}
	return occ
}

// assertClosed checks that every directed edge appears exactly once and its
// reverse exactly once, i.e. the mesh is closed and consistently oriented.
func assertClosed(t *testing.T, mesh *models.VoxelMesh) {
	t.Helper()
	directed := make(map[[2]int]int)
	for _, f := range mesh.Faces {
		for i := 0; i < 3; i++ {
			directed[[2]int{f[i], f[(i+1)%3]}]++
		}
	}
	for e, n := range directed {
		require.Equal(t, 1, n, "directed edge %v used %d times", e, n)
		require.Equal(t, 1, directed[[2]int{e[1], e[0]}], "edge %v has no opposite", e)
	}
}

func TestExtractSphere(t *testing.T) {
	size := 20
	occ := sphereField(size, 5)
	mesh, err := Extract(occ, DefaultOptions())
	require.NoError(t, err)

	// A sphere with this resolution should have a reasonable number of faces
	assert.Greater(t, len(mesh.Faces), 100)
	assertClosed(t, mesh)

	center := r3.Vec{X: 9.5, Y: 9.5, Z: 9.5}
	var volume float64
	for _, f := range mesh.Faces {
		a, b, c := mesh.Vertices[f[0]], mesh.Vertices[f[1]], mesh.Vertices[f[2]]
		n := r3.Unit(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
		centroid := r3.Scale(1.0/3, r3.Add(a, r3.Add(b, c)))
		// Normals should point roughly away from the centre
		assert.Greater(t, r3.Dot(n, r3.Unit(r3.Sub(centroid, center))), -0.5)

		// Signed volume of the tetrahedron spanned with the centre
		pa, pb, pc := r3.Sub(a, center), r3.Sub(b, center), r3.Sub(c, center)
		volume += r3.Dot(pa, r3.Cross(pb, pc)) / 6

		for _, v := range []r3.Vec{a, b, c} {
			d := r3.Norm(r3.Sub(v, center))
			assert.Less(t, d, 6.5)
			assert.Greater(t, d, 3.5)
		}
	}

	// Outward winding gives a positive enclosed volume close to the voxel count
	assert.InDelta(t, float64(occ.Count), volume, 0.35*float64(occ.Count))
}

func TestExtractVertexInterpolation(t *testing.T) {
	occ := &models.Occupancy{Mask: make([]bool, 8), Dims: [3]int{2, 2, 2}, Count: 1}
	occ.Mask[0] = true

	mesh, err := Extract(occ, Options{Level: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, mesh.Faces)

	// Every vertex sits halfway along an edge leaving the occupied corner.
	for _, v := range mesh.Vertices {
		coords := []float64{v.X, v.Y, v.Z}
		for _, c := range coords {
			assert.Contains(t, []float64{0, 0.5}, c)
		}
		assert.NotEqual(t, r3.Vec{}, v)
	}
}

func TestExtractCornerVoxel(t *testing.T) {
	occ := &models.Occupancy{Mask: make([]bool, 5*4*3), Dims: [3]int{5, 4, 3}, Count: 1}
	occ.Mask[0] = true

	mesh, err := Extract(occ, DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, mesh.Faces)
	assertClosed(t, mesh)

	for _, v := range mesh.Vertices {
		for _, c := range []float64{v.X, v.Y, v.Z} {
			assert.GreaterOrEqual(t, c, -1.0)
			assert.LessOrEqual(t, c, 1.0)
		}
	}
}

func TestExtractDegenerateFields(t *testing.T) {
	t.Run("AllEmpty", func(t *testing.T) {
		occ := &models.Occupancy{Mask: make([]bool, 27), Dims: [3]int{3, 3, 3}}
		mesh, err := Extract(occ, DefaultOptions())
		require.NoError(t, err)
		assert.Empty(t, mesh.Faces)
		assert.Empty(t, mesh.Vertices)
	})

	t.Run("AllFullWithoutPadding", func(t *testing.T) {
		occ := &models.Occupancy{Mask: make([]bool, 27), Dims: [3]int{3, 3, 3}, Count: 27}
		for i := range occ.Mask {
			occ.Mask[i] = true
		}
		mesh, err := Extract(occ, Options{Level: 0.5})
		require.NoError(t, err)
		assert.Empty(t, mesh.Faces)

		padded, err := Extract(occ, DefaultOptions())
		require.NoError(t, err)
		assert.NotEmpty(t, padded.Faces)
		assertClosed(t, padded)
	})

	t.Run("SingleVoxelVolume", func(t *testing.T) {
		occ := &models.Occupancy{Mask: []bool{true}, Dims: [3]int{1, 1, 1}, Count: 1}
		mesh, err := Extract(occ, DefaultOptions())
		require.NoError(t, err)
		assert.NotEmpty(t, mesh.Faces)

		_, err = Extract(occ, Options{Level: 0.5})
		assert.ErrorIs(t, err, ErrExtraction)
	})

	t.Run("FlatSlab", func(t *testing.T) {
		occ := &models.Occupancy{Mask: make([]bool, 16), Dims: [3]int{4, 4, 1}}
		occ.Mask[5] = true
		occ.Count = 1
		mesh, err := Extract(occ, DefaultOptions())
		require.NoError(t, err)
		assertClosed(t, mesh)
	})
}

func TestExtractRejectsMalformedInput(t *testing.T) {
	_, err := Extract(nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = Extract(&models.Occupancy{Mask: make([]bool, 7), Dims: [3]int{2, 2, 2}}, DefaultOptions())
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = Extract(&models.Occupancy{Mask: nil, Dims: [3]int{0, 2, 2}}, DefaultOptions())
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = Extract(sphereField(4, 1), Options{Level: 1, Pad: true})
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractDeterministic(t *testing.T) {
	occ := sphereField(12, 3.7)
	first, err := Extract(occ, DefaultOptions())
	require.NoError(t, err)
	second, err := Extract(occ, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func BenchmarkExtract(b *testing.B) {
	occ := sphereField(32, 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Extract(occ, DefaultOptions()); err != nil {
			b.Fatal(err)
		}
	}
}
