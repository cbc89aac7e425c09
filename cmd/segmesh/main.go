package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/spatial/r3"

	"segmesh/internal/logging"
	"segmesh/pkg/batch"
	"segmesh/pkg/config"
	"segmesh/pkg/ledger"
	"segmesh/pkg/nifti"
	"segmesh/pkg/reconstruction"
	"segmesh/pkg/segmentation"
	"segmesh/pkg/stl"
	"segmesh/pkg/visualization"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	configPath := flag.String("config", "segmesh.yaml", "Configuration file (defaults are used if it does not exist)")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	inputRoot := flag.String("input", "", "Root directory holding <patient>/<phase>/ slice directories")
	outputRoot := flag.String("output", "", "Root directory for volumes, meshes and logs")
	structure := flag.String("structure", "", "Anatomical structure to segment and mesh")
	segment := flag.Bool("segment", true, "Run the segmenter (otherwise mesh existing volumes)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	jsonLogs := flag.Bool("json", false, "Log JSON lines instead of text")
	strict := flag.Bool("strict", false, "Exit with status 2 if any case failed")
	volume := flag.String("volume", "", "Reconstruct a single labeled volume instead of running a batch")
	stlPath := flag.String("stl", "", "Output mesh for -volume")
	extractSlices := flag.String("extract-slices", "", "With -volume, save every slice along all axes to this directory")
	inspect := flag.String("inspect", "", "Print a summary of an STL file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			return 1
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return 0
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Flags given explicitly override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Batch.InputRoot = *inputRoot
		case "output":
			cfg.Batch.OutputRoot = *outputRoot
		case "structure":
			cfg.Segmentation.Structure = *structure
		case "segment":
			cfg.Segmentation.Enabled = *segment
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	logger := logging.New(logging.Options{Verbose: cfg.Output.Verbose, JSON: *jsonLogs})

	if *inspect != "" {
		return inspectMesh(*inspect, logger)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return 1
	}

	rec := reconstruction.NewReconstructor(reconstructionParams(cfg), logger)

	if *volume != "" {
		if *extractSlices != "" {
			if err := saveSlices(*volume, *extractSlices, logger); err != nil {
				logger.Error("Slice extraction failed", "err", err)
				return 1
			}
		}
		return reconstructOne(rec, *volume, *stlPath, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Batch.OutputRoot, 0755); err != nil {
		logger.Error("Failed to create output root", "err", err)
		return 1
	}

	var led *ledger.Ledger
	if cfg.Output.Ledger != "" {
		path := cfg.Output.Ledger
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Batch.OutputRoot, path)
		}
		led, err = ledger.Open(path)
		if err != nil {
			logger.Error("Failed to open ledger", "path", path, "err", err)
			return 1
		}
		defer led.Close()
	}

	seg := segmentation.NewRunner(&segmentation.Params{
		Command:      cfg.Segmentation.Command,
		Args:         cfg.Segmentation.Args,
		Structure:    cfg.Segmentation.Structure,
		VolumeName:   cfg.Segmentation.VolumeName,
		Timeout:      cfg.Segmentation.Timeout,
		SkipExisting: cfg.Segmentation.SkipExisting,
	}, logger)

	driver := batch.NewDriver(batch.Options{
		InputRoot:   cfg.Batch.InputRoot,
		OutputRoot:  cfg.Batch.OutputRoot,
		Phases:      cfg.Batch.Phases,
		Structure:   cfg.Segmentation.Structure,
		Segment:     cfg.Segmentation.Enabled,
		FailureList: cfg.Output.FailureList,
	}, seg, rec, led, logger)

	summary, err := driver.Run(ctx)
	if summary == nil {
		logger.Error("Batch could not start", "err", err)
		return 1
	}
	if err != nil {
		logger.Error("Batch ended early", "err", err)
	}

	fmt.Printf("\nBatch %s completed in %.2f seconds\n", summary.RunID, summary.Duration.Seconds())
	fmt.Printf("- Cases:        %d\n", summary.Cases)
	fmt.Printf("- Succeeded:    %d (%d empty meshes)\n", summary.Succeeded, summary.EmptyMeshes)
	fmt.Printf("- Failed:       %d\n", len(summary.Failures.IDs()))
	for _, f := range summary.Failures {
		fmt.Printf("    %v\n", f)
	}

	if err != nil {
		return 1
	}
	if *strict && len(summary.Failures) > 0 {
		return 2
	}
	return 0
}

func reconstructionParams(cfg *config.Config) *reconstruction.Params {
	return &reconstruction.Params{
		HistogramBins:           cfg.Reconstruction.HistogramBins,
		IsoLevel:                cfg.Reconstruction.IsoLevel,
		Pad:                     cfg.Reconstruction.Pad,
		Format:                  stl.Format(cfg.Output.Format),
		Header:                  "segmesh " + cfg.Segmentation.Structure,
		FailOnEmptyMesh:         cfg.Reconstruction.FailOnEmptyMesh,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
	}
}

func reconstructOne(rec *reconstruction.Reconstructor, volumePath, meshPath string, logger *log.Logger) int {
	if meshPath == "" {
		base := strings.TrimSuffix(volumePath, ".gz")
		meshPath = strings.TrimSuffix(base, filepath.Ext(base)) + ".stl"
	}

	start := time.Now()
	res, err := rec.Reconstruct(volumePath, meshPath)
	if err != nil {
		logger.Error("Reconstruction failed", "kind", reconstruction.KindOf(err), "err", err)
		return 1
	}

	if res.EmptyMesh {
		fmt.Printf("No surface extracted from %s (%d voxels)\n", volumePath, res.Voxels)
		return 0
	}
	fmt.Printf("Mesh saved to %s in %.2f seconds\n", res.OutputFile, time.Since(start).Seconds())
	fmt.Printf("- Threshold: %g (cut %g)\n", res.Threshold, res.Cut)
	fmt.Printf("- Voxels:    %d\n", res.Voxels)
	fmt.Printf("- Faces:     %d\n", res.Faces)
	fmt.Printf("- Bounds:    %s\n", formatBounds(res.Min, res.Max))
	return 0
}

// saveSlices writes every x, y and z slice of the volume to dir/<axis>/.
func saveSlices(volumePath, dir string, logger *log.Logger) error {
	vol, err := nifti.Load(volumePath)
	if err != nil {
		return err
	}

	logger.Info("Saving slices", "dir", dir, "dims", vol.Dims)
	return visualization.NewViewer(vol).SaveAllSlices(dir)
}

func inspectMesh(path string, logger *log.Logger) int {
	tris, header, err := stl.Read(path)
	if err != nil {
		logger.Error("Failed to read mesh", "path", path, "err", err)
		return 1
	}

	fmt.Printf("%s\n", path)
	fmt.Printf("- Header:    %q\n", header)
	fmt.Printf("- Triangles: %d\n", len(tris))
	if len(tris) == 0 {
		return 0
	}

	lo, hi, _ := stl.ToMesh(tris).Bounds()
	fmt.Printf("- Bounds:    %s\n", formatBounds(lo, hi))
	return 0
}

func formatBounds(lo, hi r3.Vec) string {
	return fmt.Sprintf("[%.2f %.2f %.2f] - [%.2f %.2f %.2f] mm", lo.X, lo.Y, lo.Z, hi.X, hi.Y, hi.Z)
}
