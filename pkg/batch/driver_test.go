package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segmesh/internal/logging"
	"segmesh/internal/models"
	"segmesh/pkg/ledger"
	"segmesh/pkg/nifti"
	"segmesh/pkg/reconstruction"
	"segmesh/pkg/segmentation"
)

// phantomSegmenter stands in for the external tool: it writes a synthetic
// labeled volume chosen by patient name.
//
//	sphere*  solid sphere of label 1
//	empty*   all-zero volume
//	broken*  segmenter error
type phantomSegmenter struct {
	calls []string
}

func (p *phantomSegmenter) VolumePath(outputDir string) string {
	return filepath.Join(outputDir, "pancreas.nii.gz")
}

func (p *phantomSegmenter) Run(ctx context.Context, inputDir, outputDir string) (*segmentation.Result, error) {
	patient := filepath.Base(filepath.Dir(inputDir))
	p.calls = append(p.calls, patient+"/"+filepath.Base(inputDir))

	if strings.HasPrefix(patient, "broken") {
		return nil, fmt.Errorf("%w: exit status 1", segmentation.ErrSegmenter)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	vol := models.NewVolume(12, 12, 12, nil)
	if strings.HasPrefix(patient, "sphere") {
		for k := 0; k < 12; k++ {
			for j := 0; j < 12; j++ {
				for i := 0; i < 12; i++ {
					if math.Hypot(math.Hypot(float64(i)-5.5, float64(j)-5.5), float64(k)-5.5) < 4 {
						vol.Set(i, j, k, 1)
					}
				}
			}
		}
	}
	path := p.VolumePath(outputDir)
	if err := nifti.Save(path, vol); err != nil {
		return nil, err
	}
	return &segmentation.Result{Volume: path}, nil
}

// makeTree creates <root>/<patient>/<phase> directories
func makeTree(t *testing.T, root string, cases ...string) {
	t.Helper()
	for _, c := range cases {
		require.NoError(t, os.MkdirAll(filepath.Join(root, c), 0755))
	}
}

func newTestDriver(t *testing.T, opts Options, seg Segmenter, led *ledger.Ledger) *Driver {
	rec := reconstruction.NewReconstructor(reconstruction.DefaultParams(), logging.Discard())
	return NewDriver(opts, seg, rec, led, logging.Discard())
}

func TestCases(t *testing.T) {
	in := t.TempDir()
	makeTree(t, in, "p002/venous", "p001/venous", "p001/arterial", ".cache/x")
	require.NoError(t, os.WriteFile(filepath.Join(in, "README"), nil, 0644))

	d := newTestDriver(t, Options{InputRoot: in, OutputRoot: "out"}, &phantomSegmenter{}, nil)
	cases, err := d.Cases()
	require.NoError(t, err)

	var ids []string
	for _, c := range cases {
		ids = append(ids, c.ID())
	}
	assert.Equal(t, []string{"p001/arterial", "p001/venous", "p002/venous"}, ids)
	assert.Equal(t, filepath.Join("out", "p001", "arterial"), cases[0].OutputDir)
}

func TestCasesPhaseFilter(t *testing.T) {
	in := t.TempDir()
	makeTree(t, in, "p001/venous", "p001/arterial", "p002/native")

	d := newTestDriver(t, Options{InputRoot: in, Phases: []string{"venous", "native"}}, &phantomSegmenter{}, nil)
	cases, err := d.Cases()
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "p001/venous", cases[0].ID())
	assert.Equal(t, "p002/native", cases[1].ID())
}

func TestCasesMissingRoot(t *testing.T) {
	d := newTestDriver(t, Options{InputRoot: filepath.Join(t.TempDir(), "missing")}, &phantomSegmenter{}, nil)
	_, err := d.Cases()
	assert.Error(t, err)
}

func TestRunContinuesAfterFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping batch integration test in short mode")
	}

	in, out := t.TempDir(), t.TempDir()
	makeTree(t, in, "broken01/venous", "empty01/venous", "sphere01/arterial", "sphere01/venous")

	// Meshes from an earlier run of the cases that now fail
	for _, c := range []string{"broken01/venous", "empty01/venous"} {
		makeTree(t, out, c)
		require.NoError(t, os.WriteFile(filepath.Join(out, c, "pancreas.stl"), []byte("stale"), 0644))
	}

	led, err := ledger.Open(filepath.Join(out, "results.db"))
	require.NoError(t, err)
	defer led.Close()

	seg := &phantomSegmenter{}
	d := newTestDriver(t, Options{
		InputRoot:   in,
		OutputRoot:  out,
		Structure:   "pancreas",
		Segment:     true,
		FailureList: "failed_cases.txt",
	}, seg, led)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)

	// Every case ran even though the first two failed
	assert.Equal(t, []string{"broken01/venous", "empty01/venous", "sphere01/arterial", "sphere01/venous"}, seg.calls)
	assert.Equal(t, 4, sum.Cases)
	assert.Equal(t, 2, sum.Succeeded)
	require.Len(t, sum.Failures, 2)

	assert.Equal(t, StageSegmentation, sum.Failures[0].Stage)
	assert.True(t, errors.Is(sum.Failures[0], segmentation.ErrSegmenter))
	assert.Equal(t, StageReconstruction, sum.Failures[1].Stage)
	assert.Equal(t, reconstruction.KindNoForegroundData.String(), sum.Failures[1].Kind)

	assert.FileExists(t, filepath.Join(out, "sphere01", "arterial", "pancreas.stl"))
	assert.FileExists(t, filepath.Join(out, "sphere01", "venous", "pancreas.stl"))
	assert.NoFileExists(t, filepath.Join(out, "empty01", "venous", "pancreas.stl"))
	assert.NoFileExists(t, filepath.Join(out, "broken01", "venous", "pancreas.stl"))

	list, err := os.ReadFile(filepath.Join(out, "failed_cases.txt"))
	require.NoError(t, err)
	assert.Equal(t, "broken01/venous\nempty01/venous\n", string(list))

	entries, err := led.Run(sum.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "segmenter_failure", entries[0].Status)
	assert.Equal(t, "no_foreground_data", entries[1].Status)
	assert.Equal(t, "ok", entries[2].Status)
	assert.Greater(t, entries[2].Faces, 0)
	assert.Equal(t, 1.0, entries[2].Threshold)
}

func TestRunWithoutSegmentation(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	makeTree(t, in, "sphere01/venous", "sphere02/venous")

	// Only the first case has a volume already
	seg := &phantomSegmenter{}
	_, err := seg.Run(context.Background(), filepath.Join(in, "sphere01", "venous"), filepath.Join(out, "sphere01", "venous"))
	require.NoError(t, err)
	seg.calls = nil

	d := newTestDriver(t, Options{InputRoot: in, OutputRoot: out, Structure: "pancreas"}, seg, nil)
	sum, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, seg.calls, "segmenter must not run")
	assert.Equal(t, 1, sum.Succeeded)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "sphere02/venous", sum.Failures[0].Case)
	assert.Equal(t, reconstruction.KindLoadFailure.String(), sum.Failures[0].Kind)
}

func TestRunCancelled(t *testing.T) {
	in := t.TempDir()
	makeTree(t, in, "sphere01/venous", "sphere02/venous")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seg := &phantomSegmenter{}
	d := newTestDriver(t, Options{InputRoot: in, OutputRoot: t.TempDir(), Structure: "pancreas", Segment: true}, seg, nil)
	sum, err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Empty(t, seg.calls)
	assert.Equal(t, 0, sum.Succeeded)
}

func TestFailures(t *testing.T) {
	var fs Failures
	fs.Add(Failure{Case: "p1/venous", Stage: StageSegmentation, Kind: "segmenter_failure", Err: errors.New("exit 1")})
	fs.Add(Failure{Case: "p2/venous", Stage: StageReconstruction, Kind: "empty_mask", Err: errors.New("empty")})
	fs.Add(Failure{Case: "p1/venous", Stage: StageReconstruction, Kind: "unknown", Err: errors.New("again")})

	assert.Equal(t, []string{"p1/venous", "p2/venous"}, fs.IDs())
	assert.Equal(t, "p2/venous: reconstruction failed (empty_mask): empty", fs[1].Error())

	path := filepath.Join(t.TempDir(), "failed.txt")
	require.NoError(t, fs.WriteList(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "p1/venous\np2/venous\n", string(data))

	var none Failures
	require.NoError(t, none.WriteList(path))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
