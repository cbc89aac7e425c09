// Package segmentation drives the external segmentation tool that turns a
// directory of image slices into a labeled volume file.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrSegmenter wraps every failure of the external segmenter.
var ErrSegmenter = errors.New("segmenter failed")

// LogName is the trace log written into each case output directory.
const LogName = "segmentation.log"

// Params describes how the segmenter is invoked.
type Params struct {
	// Command is the segmenter executable, resolved through PATH
	Command string

	// Args is the argument template; {input}, {output} and {structure}
	// are replaced in every element
	Args []string

	// Structure is the anatomical target passed to the segmenter
	Structure string

	// VolumeName is the labeled volume the segmenter leaves in its output
	// directory; {structure} is replaced
	VolumeName string

	// Timeout bounds one run; zero means no limit
	Timeout time.Duration

	// SkipExisting reuses a volume that is already present
	SkipExisting bool
}

// Result describes one segmenter run.
type Result struct {
	// Volume is the labeled volume file
	Volume string

	// Log holds the segmenter's stdout and stderr
	Log string

	// Skipped is set when an existing volume was reused
	Skipped bool

	Duration time.Duration
}

// Runner invokes the segmenter once per case.
type Runner struct {
	params *Params
	logger *log.Logger
}

// NewRunner creates a runner. A nil logger uses the default logger.
func NewRunner(params *Params, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		params: params,
		logger: logger,
	}
}

// VolumePath returns where the labeled volume for a case with the given
// output directory is expected.
func (r *Runner) VolumePath(outputDir string) string {
	name := strings.ReplaceAll(r.params.VolumeName, "{structure}", r.params.Structure)
	return filepath.Join(outputDir, name)
}

// Args returns the argument list for one case.
func (r *Runner) Args(inputDir, outputDir string) []string {
	repl := strings.NewReplacer(
		"{input}", inputDir,
		"{output}", outputDir,
		"{structure}", r.params.Structure,
	)
	args := make([]string, len(r.params.Args))
	for i, a := range r.params.Args {
		args[i] = repl.Replace(a)
	}
	return args
}

// Run segments the slices in inputDir, writing into outputDir. It blocks
// until the segmenter exits, the timeout expires or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, inputDir, outputDir string) (*Result, error) {
	res := &Result{
		Volume: r.VolumePath(outputDir),
		Log:    filepath.Join(outputDir, LogName),
	}

	if r.params.SkipExisting {
		if _, err := os.Stat(res.Volume); err == nil {
			r.logger.Info("Reusing existing labeled volume", "volume", res.Volume)
			res.Skipped = true
			return res, nil
		}
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create output directory: %w", ErrSegmenter, err)
	}

	logFile, err := os.Create(res.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create trace log: %w", ErrSegmenter, err)
	}
	defer logFile.Close()

	if r.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.params.Timeout)
		defer cancel()
	}

	args := r.Args(inputDir, outputDir)
	fmt.Fprintf(logFile, "# %s %s %s\n", time.Now().Format(time.RFC3339), r.params.Command, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.params.Command, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	r.logger.Debug("Running segmenter", "command", r.params.Command, "args", args)
	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%w: %s interrupted after %v: %w", ErrSegmenter, r.params.Command, res.Duration.Round(time.Millisecond), ctxErr)
		}
		return res, fmt.Errorf("%w: %s: %w (see %s)", ErrSegmenter, r.params.Command, err, res.Log)
	}

	if _, err := os.Stat(res.Volume); err != nil {
		return res, fmt.Errorf("%w: %s exited cleanly but produced no %s", ErrSegmenter, r.params.Command, res.Volume)
	}

	r.logger.Info("Segmentation finished", "volume", res.Volume, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}
