package reconstruction

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/models"
	"segmesh/pkg/affine"
	"segmesh/pkg/marching"
	"segmesh/pkg/nifti"
	"segmesh/pkg/occupancy"
	"segmesh/pkg/qa"
	"segmesh/pkg/stl"
	"segmesh/pkg/threshold"
	"segmesh/pkg/visualization"
)

// Params holds the reconstruction parameters.
type Params struct {
	// HistogramBins is the number of bins of the Otsu histogram.
	HistogramBins int

	// IsoLevel is the level at which the {0, 1} occupancy field is cut.
	IsoLevel float64

	// Pad closes surfaces of structures touching the volume border.
	Pad bool

	// Format selects binary or ASCII STL output.
	Format stl.Format

	// Header is written into the STL header (binary) or solid name (ASCII).
	Header string

	// FailOnEmptyMesh turns a zero-face extraction into an ErrEmptyMesh
	// failure instead of a warning.
	FailOnEmptyMesh bool

	// SaveIntermediaryResults writes a threshold histogram and the central
	// slices of the volume and its occupancy field for manual QA.
	SaveIntermediaryResults bool

	// IntermediaryDir receives the QA artefacts. When empty they go to
	// "<output without extension>_qa".
	IntermediaryDir string
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() *Params {
	mc := marching.DefaultOptions()
	return &Params{
		HistogramBins: threshold.DefaultBins,
		IsoLevel:      mc.Level,
		Pad:           mc.Pad,
		Format:        stl.Binary,
	}
}

// Result summarises one reconstructed case.
type Result struct {
	// Threshold is the Otsu threshold selected for the case.
	Threshold float64

	// Cut is the value the occupancy field was built with. It differs from
	// Threshold only for single-population volumes, where it is 0.
	Cut float64

	Voxels   int
	Vertices int
	Faces    int

	// EmptyMesh is set when extraction yielded no faces; no file is written.
	EmptyMesh bool

	OutputFile string

	// Physical bounding box of the mesh, valid unless EmptyMesh
	Min, Max r3.Vec

	// Intermediary lists the QA artefacts written for this case.
	Intermediary []string
}

// Reconstructor turns a labeled volume into a surface mesh:
//
//  1. select an Otsu threshold over the strictly positive voxels
//  2. binarize the volume into an occupancy field
//  3. extract the isosurface in voxel index space
//  4. map the vertices into physical space with the volume affine
//  5. write the triangle soup as STL
//
// A Reconstructor holds no per-case state and can be reused across cases.
type Reconstructor struct {
	params *Params
	logger *log.Logger
}

// NewReconstructor creates a reconstructor. A nil params uses DefaultParams
// and a nil logger the package-level default logger.
func NewReconstructor(params *Params, logger *log.Logger) *Reconstructor {
	if params == nil {
		params = DefaultParams()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconstructor{
		params: params,
		logger: logger,
	}
}

// Reconstruct loads the labeled volume at volumePath and writes its surface
// to outputPath. Any existing file at outputPath is removed first, so a case
// that fails or yields no faces leaves no mesh behind.
func (r *Reconstructor) Reconstruct(volumePath, outputPath string) (*Result, error) {
	if err := r.removeStaleOutput(outputPath); err != nil {
		return nil, err
	}

	r.logger.Debug("Loading labeled volume", "path", volumePath)
	vol, err := nifti.Load(volumePath)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errLoad, volumePath, err)
	}
	r.logger.Debug("Loaded volume", "dims", vol.Dims, "affine", vol.Affine.Values())

	return r.reconstruct(vol, outputPath)
}

// ReconstructVolume runs the pipeline on an in-memory volume, replacing any
// existing file at outputPath like Reconstruct.
func (r *Reconstructor) ReconstructVolume(vol *models.Volume, outputPath string) (*Result, error) {
	if err := r.removeStaleOutput(outputPath); err != nil {
		return nil, err
	}
	return r.reconstruct(vol, outputPath)
}

func (r *Reconstructor) reconstruct(vol *models.Volume, outputPath string) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", marching.ErrExtraction, err)
	}
	aff := vol.Affine
	if aff == nil {
		aff = affine.Identity()
	}
	res := &Result{}

	// Step 1: threshold
	positive := threshold.Positive(vol)
	t, err := threshold.Otsu(positive, r.params.HistogramBins)
	if err != nil {
		return nil, fmt.Errorf("failed to select threshold: %w", err)
	}
	res.Threshold = t

	// Binary masks and single-label outputs leave nothing above their only
	// value, so keep every positive voxel instead.
	cut := t
	if t >= floats.Max(positive) {
		cut = 0
	}
	res.Cut = cut
	r.logger.Info("Selected threshold", "threshold", t, "cut", cut, "foreground", len(positive))

	// Step 2: occupancy
	occ, err := occupancy.Build(vol, cut)
	if err != nil {
		return nil, fmt.Errorf("failed to build occupancy field: %w", err)
	}
	res.Voxels = occ.Count
	r.logger.Debug("Built occupancy field", "voxels", occ.Count)

	if r.params.SaveIntermediaryResults {
		res.Intermediary = r.saveIntermediaryResults(outputPath, vol, positive, t, occ)
	}

	// Step 3: isosurface
	voxelMesh, err := marching.Extract(occ, marching.Options{Level: r.params.IsoLevel, Pad: r.params.Pad})
	if err != nil {
		return nil, fmt.Errorf("failed to extract isosurface: %w", err)
	}
	res.Vertices = len(voxelMesh.Vertices)
	res.Faces = len(voxelMesh.Faces)

	if res.Faces == 0 {
		res.EmptyMesh = true
		if r.params.FailOnEmptyMesh {
			return res, fmt.Errorf("%w (%d occupied voxels)", ErrEmptyMesh, occ.Count)
		}
		r.logger.Warn("Extraction produced no faces, skipping mesh output", "voxels", occ.Count)
		return res, nil
	}

	// Step 4: voxel to physical coordinates. A mirroring affine reverses
	// the winding, so flip it back to keep normals outward.
	physical := affine.MapVertices(aff, voxelMesh.Vertices)
	if aff.Det() < 0 {
		voxelMesh.FlipWinding()
	}

	// Step 5: serialize
	mesh, err := stl.Soup(voxelMesh.Faces, physical)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stl.ErrSerialization, err)
	}
	res.Min, res.Max, _ = mesh.Bounds()

	opts := stl.Options{Format: r.params.Format, Header: r.params.Header}
	if err := stl.Write(outputPath, stl.FromMesh(mesh), opts); err != nil {
		return nil, fmt.Errorf("failed to save STL file: %w", err)
	}
	res.OutputFile = outputPath

	r.logger.Info("Wrote mesh", "path", outputPath, "faces", res.Faces, "vertices", res.Vertices)
	return res, nil
}

func (r *Reconstructor) removeStaleOutput(outputPath string) error {
	err := os.Remove(outputPath)
	switch {
	case err == nil:
		r.logger.Info("Removed previous mesh", "path", outputPath)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("%w: remove previous mesh: %w", stl.ErrSerialization, err)
	}
}

// saveIntermediaryResults writes QA artefacts. Failures are logged and do
// not affect the case outcome.
func (r *Reconstructor) saveIntermediaryResults(outputPath string, vol *models.Volume, positive []float64, t float64, occ *models.Occupancy) []string {
	dir := r.params.IntermediaryDir
	if dir == "" {
		dir = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + "_qa"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		r.logger.Warn("Failed to create intermediary directory", "dir", dir, "err", err)
		return nil
	}

	var written []string
	histPath := filepath.Join(dir, "threshold.png")
	title := fmt.Sprintf("%s foreground values", filepath.Base(outputPath))
	if err := qa.SaveHistogram(histPath, title, positive, t, r.params.HistogramBins); err != nil {
		r.logger.Warn("Failed to save threshold histogram", "err", err)
	} else {
		written = append(written, histPath)
	}

	slices, err := visualization.NewViewer(vol).SaveCentralSlices(filepath.Join(dir, "volume"))
	if err != nil {
		r.logger.Warn("Failed to save volume slices", "err", err)
	}
	written = append(written, slices...)

	slices, err = visualization.NewMaskViewer(occ).SaveCentralSlices(filepath.Join(dir, "occupancy"))
	if err != nil {
		r.logger.Warn("Failed to save occupancy slices", "err", err)
	}
	return append(written, slices...)
}
