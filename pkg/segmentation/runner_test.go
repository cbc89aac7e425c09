package segmentation

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmesh/internal/logging"
)

// shellRunner returns a runner whose segmenter is a shell script. The
// script sees the structure as $0 and the output directory as $1.
func shellRunner(t *testing.T, script string) *Runner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewRunner(&Params{
		Command:    "sh",
		Args:       []string{"-c", script, "{structure}", "{output}", "{input}"},
		Structure:  "pancreas",
		VolumeName: "{structure}.nii.gz",
		Timeout:    10 * time.Second,
	}, logging.Discard())
}

func TestArgs(t *testing.T) {
	r := NewRunner(&Params{
		Command:   "TotalSegmentator",
		Args:      []string{"-i", "{input}", "-o", "{output}", "--roi_subset", "{structure}", "--ml"},
		Structure: "liver",
	}, nil)

	got := r.Args("/data/p001/arterial", "/out/p001/arterial")
	assert.Equal(t, []string{"-i", "/data/p001/arterial", "-o", "/out/p001/arterial", "--roi_subset", "liver", "--ml"}, got)
}

func TestVolumePath(t *testing.T) {
	r := NewRunner(&Params{Structure: "pancreas", VolumeName: "{structure}.nii.gz"}, nil)
	assert.Equal(t, filepath.Join("out", "p1", "pancreas.nii.gz"), r.VolumePath(filepath.Join("out", "p1")))
}

func TestRun(t *testing.T) {
	r := shellRunner(t, `echo "segmenting $0 from $2"; touch "$1/$0.nii.gz"`)
	out := filepath.Join(t.TempDir(), "p001", "venous")

	res, err := r.Run(context.Background(), "/slices/p001/venous", out)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, filepath.Join(out, "pancreas.nii.gz"), res.Volume)
	assert.FileExists(t, res.Volume)

	trace, err := os.ReadFile(res.Log)
	require.NoError(t, err)
	assert.Contains(t, string(trace), "segmenting pancreas from /slices/p001/venous")
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"non-zero exit", `echo "out of memory" >&2; exit 3`},
		{"no volume", `echo done`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := shellRunner(t, tt.script)
			res, err := r.Run(context.Background(), "in", t.TempDir())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSegmenter))
			require.NotNil(t, res)
			assert.FileExists(t, res.Log)
		})
	}
}

func TestRunCapturesStderr(t *testing.T) {
	r := shellRunner(t, `echo "CUDA not found" >&2; exit 1`)
	res, err := r.Run(context.Background(), "in", t.TempDir())
	require.Error(t, err)

	trace, err := os.ReadFile(res.Log)
	require.NoError(t, err)
	assert.Contains(t, string(trace), "CUDA not found")
}

func TestRunTimeout(t *testing.T) {
	r := shellRunner(t, `sleep 5`)
	r.params.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), "in", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSegmenter))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCancelled(t *testing.T) {
	r := shellRunner(t, `touch "$1/$0.nii.gz"`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "in", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunSkipExisting(t *testing.T) {
	r := shellRunner(t, `exit 1`)
	r.params.SkipExisting = true
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "pancreas.nii.gz"), []byte("x"), 0644))

	res, err := r.Run(context.Background(), "in", out)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NoFileExists(t, res.Log)
}

func TestRunMissingCommand(t *testing.T) {
	r := NewRunner(&Params{Command: "segmesh-no-such-segmenter", VolumeName: "x.nii.gz"}, logging.Discard())
	_, err := r.Run(context.Background(), "in", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSegmenter))
}
