// Package stl serializes triangle soups as STL files.
package stl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/models"
)

// ErrSerialization wraps every failure to produce an output mesh file.
var ErrSerialization = errors.New("mesh serialization failed")

// Format selects the STL encoding.
type Format string

const (
	Binary Format = "binary"
	ASCII  Format = "ascii"
)

const (
	headerLen = 80
	recordLen = 50
)

// Triangle is one STL facet record
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Options controls how a file is written.
type Options struct {
	Format Format

	// Header is stored in the 80 byte binary header (truncated) or as the
	// solid name in ASCII files.
	Header string
}

// Soup resolves indexed faces into a physical-space triangle soup. Each
// triangle carries its own copy of its three vertices.
func Soup(faces [][3]int, verts []r3.Vec) (*models.Mesh, error) {
	mesh := &models.Mesh{Triangles: make([]models.Triangle, len(faces))}
	for i, f := range faces {
		for k, idx := range f {
			if idx < 0 || idx >= len(verts) {
				return nil, fmt.Errorf("face %d references vertex %d, have %d vertices", i, idx, len(verts))
			}
			mesh.Triangles[i][k] = verts[idx]
		}
	}
	return mesh, nil
}

// FromMesh converts mesh triangles into STL records with unit facet normals
// following the right-hand rule.
func FromMesh(mesh *models.Mesh) []Triangle {
	out := make([]Triangle, len(mesh.Triangles))
	for i, t := range mesh.Triangles {
		n := r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0]))
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		out[i] = Triangle{
			Normal:  vec32(n),
			Vertex1: vec32(t[0]),
			Vertex2: vec32(t[1]),
			Vertex3: vec32(t[2]),
		}
	}
	return out
}

// ToMesh converts STL records back into a triangle soup, dropping normals.
func ToMesh(triangles []Triangle) *models.Mesh {
	mesh := &models.Mesh{Triangles: make([]models.Triangle, len(triangles))}
	for i, t := range triangles {
		mesh.Triangles[i] = models.Triangle{vec64(t.Vertex1), vec64(t.Vertex2), vec64(t.Vertex3)}
	}
	return mesh
}

func vec64(v [3]float32) r3.Vec {
	return r3.Vec{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

func vec32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// SaveToSTL writes triangles as a binary STL file.
func SaveToSTL(path string, triangles []Triangle) error {
	return Write(path, triangles, Options{Format: Binary})
}

// Write stores triangles at path. The data goes to a temporary file in the
// same directory which is synced, closed and renamed into place, so path
// either holds the complete mesh or is left untouched.
func Write(path string, triangles []Triangle, opts Options) (err error) {
	encode := EncodeBinary
	switch opts.Format {
	case Binary, "":
	case ASCII:
		encode = EncodeASCII
	default:
		return fmt.Errorf("%w: unknown format %q", ErrSerialization, opts.Format)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := encode(bw, triangles, opts.Header); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrSerialization, path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrSerialization, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrSerialization, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrSerialization, path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrSerialization, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename to %s: %w", ErrSerialization, path, err)
	}
	return nil
}

// EncodeBinary writes the binary STL layout: an 80 byte header, a little
// endian uint32 triangle count and one 50 byte record per triangle.
func EncodeBinary(w io.Writer, triangles []Triangle, header string) error {
	if uint64(len(triangles)) > math.MaxUint32 {
		return fmt.Errorf("too many triangles for binary STL: %d", len(triangles))
	}

	var head [headerLen + 4]byte
	copy(head[:headerLen], header)
	le.PutUint32(head[headerLen:], uint32(len(triangles)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	var rec [recordLen]byte
	for i := range triangles {
		formatTriangle(&triangles[i], &rec)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

// formatTriangle packs t into a binary record. The trailing attribute byte
// count is always zero.
func formatTriangle(t *Triangle, rec *[recordLen]byte) {
	off := 0
	for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
		for _, c := range v {
			le.PutUint32(rec[off:], math.Float32bits(c))
			off += 4
		}
	}
	rec[48], rec[49] = 0, 0
}

// EncodeASCII writes the textual STL layout.
func EncodeASCII(w io.Writer, triangles []Triangle, name string) error {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	fmt.Fprintf(bw, "solid %s\n", name)
	for _, t := range triangles {
		fmt.Fprintf(bw, "  facet normal %e %e %e\n", t.Normal[0], t.Normal[1], t.Normal[2])
		fmt.Fprintf(bw, "    outer loop\n")
		for _, v := range [3][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			fmt.Fprintf(bw, "      vertex %e %e %e\n", v[0], v[1], v[2])
		}
		fmt.Fprintf(bw, "    endloop\n")
		fmt.Fprintf(bw, "  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}
