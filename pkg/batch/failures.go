package batch

import (
	"bufio"
	"fmt"
	"os"
)

// Stage names the pipeline step a case failed in.
type Stage string

const (
	StageSegmentation   Stage = "segmentation"
	StageReconstruction Stage = "reconstruction"
)

// Failure records why one case could not be processed.
type Failure struct {
	// Case is the case identifier, "<patient>/<phase>"
	Case  string
	Stage Stage
	// Kind is the error classification, e.g. "no_foreground_data"
	Kind string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s failed (%s): %v", f.Case, f.Stage, f.Kind, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Failures accumulates case failures over a batch run. It is a plain value
// owned by the caller of Driver.Run.
type Failures []Failure

// Add appends f.
func (fs *Failures) Add(f Failure) {
	*fs = append(*fs, f)
}

// IDs returns the failed case identifiers in failure order, each once.
func (fs Failures) IDs() []string {
	seen := make(map[string]bool, len(fs))
	var ids []string
	for _, f := range fs {
		if seen[f.Case] {
			continue
		}
		seen[f.Case] = true
		ids = append(ids, f.Case)
	}
	return ids
}

// WriteList writes the failed case identifiers to path, one per line. The
// file is created even when nothing failed.
func (fs Failures) WriteList(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create failure list: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, id := range fs.IDs() {
		fmt.Fprintln(w, id)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write failure list: %w", err)
	}
	return f.Close()
}
