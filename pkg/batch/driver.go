// Package batch walks a tree of patient studies and runs segmentation and
// surface reconstruction for every patient/phase case, one case at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"segmesh/pkg/ledger"
	"segmesh/pkg/reconstruction"
	"segmesh/pkg/segmentation"
)

// Segmenter produces a labeled volume for one case.
type Segmenter interface {
	Run(ctx context.Context, inputDir, outputDir string) (*segmentation.Result, error)
	VolumePath(outputDir string) string
}

// Surfacer turns a labeled volume file into a mesh file.
type Surfacer interface {
	Reconstruct(volumePath, outputPath string) (*reconstruction.Result, error)
}

// Options configures a Driver.
type Options struct {
	// InputRoot holds <patient>/<phase>/ slice directories
	InputRoot string

	// OutputRoot mirrors InputRoot with volumes, meshes and logs
	OutputRoot string

	// Phases restricts the phase directories processed; empty means all
	Phases []string

	// Structure names the mesh file, <structure>.stl
	Structure string

	// Segment runs the segmenter; otherwise existing volumes are meshed
	Segment bool

	// FailureList is written after the run; relative paths are resolved
	// against OutputRoot. Empty disables it.
	FailureList string
}

// Case is one patient/phase unit of work.
type Case struct {
	Patient   string
	Phase     string
	InputDir  string
	OutputDir string
}

// ID returns the identifier used in logs and the failure list.
func (c Case) ID() string {
	return c.Patient + "/" + c.Phase
}

// Summary reports a finished batch.
type Summary struct {
	RunID     string
	Cases     int
	Succeeded int
	// EmptyMeshes counts successful cases that produced no faces
	EmptyMeshes int
	Failures    Failures
	Duration    time.Duration
}

// Driver runs the pipeline over every case.
type Driver struct {
	opts   Options
	seg    Segmenter
	rec    Surfacer
	ledger *ledger.Ledger
	logger *log.Logger
}

// NewDriver creates a driver. The ledger is optional.
func NewDriver(opts Options, seg Segmenter, rec Surfacer, led *ledger.Ledger, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{
		opts:   opts,
		seg:    seg,
		rec:    rec,
		ledger: led,
		logger: logger,
	}
}

// Cases lists the cases under InputRoot in lexical patient then phase order.
// Hidden directories and plain files are ignored.
func (d *Driver) Cases() ([]Case, error) {
	patients, err := subdirs(d.opts.InputRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}

	var cases []Case
	for _, patient := range patients {
		phases, err := subdirs(filepath.Join(d.opts.InputRoot, patient))
		if err != nil {
			return nil, fmt.Errorf("failed to list phases of %s: %w", patient, err)
		}
		for _, phase := range phases {
			if len(d.opts.Phases) > 0 && !slices.Contains(d.opts.Phases, phase) {
				continue
			}
			cases = append(cases, Case{
				Patient:   patient,
				Phase:     phase,
				InputDir:  filepath.Join(d.opts.InputRoot, patient, phase),
				OutputDir: filepath.Join(d.opts.OutputRoot, patient, phase),
			})
		}
	}
	return cases, nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Run processes every case in order. A failing case is recorded in the
// returned summary and the batch moves on. The error is non-nil only when
// the cases cannot be listed, the failure list cannot be written, or ctx is
// cancelled between cases.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString()}
	logger := d.logger.With("run", sum.RunID)

	cases, err := d.Cases()
	if err != nil {
		return nil, err
	}
	sum.Cases = len(cases)
	logger.Info("Starting batch", "cases", len(cases), "input", d.opts.InputRoot, "structure", d.opts.Structure)

	var runErr error
	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			logger.Warn("Batch interrupted", "remaining", len(cases)-i)
			runErr = err
			break
		}

		logger.Info("Processing case", "case", c.ID(), "n", fmt.Sprintf("%d/%d", i+1, len(cases)))
		res, fail := d.processCase(ctx, sum.RunID, c, logger.With("case", c.ID()))
		switch {
		case fail != nil:
			logger.Error("Case failed", "case", c.ID(), "stage", fail.Stage, "kind", fail.Kind, "err", fail.Err)
			sum.Failures.Add(*fail)
		case res.EmptyMesh:
			sum.Succeeded++
			sum.EmptyMeshes++
		default:
			sum.Succeeded++
		}
	}

	if d.opts.FailureList != "" {
		path := d.opts.FailureList
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.opts.OutputRoot, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return sum, fmt.Errorf("failed to create output root: %w", err)
		}
		if err := sum.Failures.WriteList(path); err != nil {
			return sum, err
		}
		logger.Info("Wrote failure list", "path", path, "failed", len(sum.Failures.IDs()))
	}

	sum.Duration = time.Since(start)
	logger.Info("Batch finished", "succeeded", sum.Succeeded, "failed", len(sum.Failures),
		"empty", sum.EmptyMeshes, "duration", sum.Duration.Round(time.Millisecond))
	return sum, runErr
}

// processCase runs segmentation and reconstruction for c. Every error is
// converted to a Failure here so it never escapes the case.
func (d *Driver) processCase(ctx context.Context, runID string, c Case, logger *log.Logger) (*reconstruction.Result, *Failure) {
	start := time.Now()
	entry := ledger.Entry{RunID: runID, CaseID: c.ID(), Structure: d.opts.Structure}

	mesh := filepath.Join(c.OutputDir, d.opts.Structure+".stl")
	volume := d.seg.VolumePath(c.OutputDir)
	if d.opts.Segment {
		seg, err := d.seg.Run(ctx, c.InputDir, c.OutputDir)
		if err != nil {
			// The reconstructor never runs, so drop a mesh left by an earlier run here.
			if rmErr := os.Remove(mesh); rmErr == nil {
				logger.Info("Removed previous mesh", "path", mesh)
			} else if !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn("Failed to remove previous mesh", "path", mesh, "err", rmErr)
			}
			fail := &Failure{Case: c.ID(), Stage: StageSegmentation, Kind: "segmenter_failure", Err: err}
			d.record(logger, entry, fail, nil, time.Since(start))
			return nil, fail
		}
		volume = seg.Volume
	}

	res, err := d.rec.Reconstruct(volume, mesh)
	if err != nil {
		fail := &Failure{
			Case:  c.ID(),
			Stage: StageReconstruction,
			Kind:  reconstruction.KindOf(err).String(),
			Err:   err,
		}
		d.record(logger, entry, fail, res, time.Since(start))
		return res, fail
	}

	d.record(logger, entry, nil, res, time.Since(start))
	return res, nil
}

// record appends the case outcome to the ledger, if one is configured. A
// ledger error is logged and does not fail the case.
func (d *Driver) record(logger *log.Logger, e ledger.Entry, fail *Failure, res *reconstruction.Result, elapsed time.Duration) {
	if d.ledger == nil {
		return
	}

	e.Duration = elapsed
	e.Status = "ok"
	if res != nil {
		e.Threshold = res.Threshold
		e.Voxels = res.Voxels
		e.Faces = res.Faces
		e.Mesh = res.OutputFile
		if res.EmptyMesh {
			e.Status = reconstruction.KindEmptyMesh.String()
		}
	}
	if fail != nil {
		e.Status = fail.Kind
		e.Error = fail.Err.Error()
	}

	if err := d.ledger.Record(e); err != nil {
		logger.Warn("Failed to record case in ledger", "err", err)
	}
}
