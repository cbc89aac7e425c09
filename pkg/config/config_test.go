package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segmesh.yaml")
	yaml := `
segmentation:
  structure: liver
  timeout: 90s
  enabled: false
reconstruction:
  histogramBins: 128
output:
  format: ascii
batch:
  phases: [arterial, venous]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "liver", cfg.Segmentation.Structure)
	assert.Equal(t, 90*time.Second, cfg.Segmentation.Timeout)
	assert.False(t, cfg.Segmentation.Enabled)
	assert.Equal(t, 128, cfg.Reconstruction.HistogramBins)
	assert.Equal(t, "ascii", cfg.Output.Format)
	assert.Equal(t, []string{"arterial", "venous"}, cfg.Batch.Phases)

	// Untouched keys keep their defaults
	assert.Equal(t, 0.5, cfg.Reconstruction.IsoLevel)
	assert.Equal(t, "TotalSegmentator", cfg.Segmentation.Command)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "segmesh.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bins", func(c *Config) { c.Reconstruction.HistogramBins = 1 }},
		{"level", func(c *Config) { c.Reconstruction.IsoLevel = 1 }},
		{"format", func(c *Config) { c.Output.Format = "ply" }},
		{"command", func(c *Config) { c.Segmentation.Command = "" }},
		{"structure", func(c *Config) { c.Segmentation.Structure = "" }},
		{"failure list", func(c *Config) { c.Output.FailureList = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
