// Package config provides configuration loading and management for segmesh.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"segmesh/pkg/marching"
	"segmesh/pkg/stl"
	"segmesh/pkg/threshold"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Batch layout parameters
	Batch struct {
		// InputRoot contains one directory per patient, each holding one
		// directory of image slices per phase
		InputRoot string `yaml:"inputRoot"`

		// OutputRoot receives labeled volumes, meshes and logs, mirroring InputRoot
		OutputRoot string `yaml:"outputRoot"`

		// Phases restricts processing to these phase directory names; empty means all
		Phases []string `yaml:"phases,omitempty"`
	} `yaml:"batch"`

	// Segmentation parameters for the external segmenter
	Segmentation struct {
		// Enabled runs the segmenter; when false existing volumes are meshed
		Enabled bool `yaml:"enabled"`

		// Command is the segmenter executable
		Command string `yaml:"command"`

		// Args is the argument template. {input}, {output} and {structure}
		// are substituted per case.
		Args []string `yaml:"args"`

		// Structure is the anatomical target, e.g. "pancreas"
		Structure string `yaml:"structure"`

		// VolumeName is the file the segmenter writes inside its output
		// directory; {structure} is substituted
		VolumeName string `yaml:"volumeName"`

		// Timeout bounds a single segmenter run; zero disables it
		Timeout time.Duration `yaml:"timeout"`

		// SkipExisting reuses a labeled volume that is already present
		SkipExisting bool `yaml:"skipExisting"`
	} `yaml:"segmentation"`

	// Reconstruction parameters for the surface stage
	Reconstruction struct {
		// HistogramBins is the Otsu histogram resolution
		HistogramBins int `yaml:"histogramBins"`

		// IsoLevel is the cut level on the {0, 1} occupancy field
		IsoLevel float64 `yaml:"isoLevel"`

		// Pad closes surfaces that touch the volume border
		Pad bool `yaml:"pad"`

		// FailOnEmptyMesh records zero-face results as case failures
		FailOnEmptyMesh bool `yaml:"failOnEmptyMesh"`
	} `yaml:"reconstruction"`

	// Output parameters
	Output struct {
		// Format is "binary" or "ascii"
		Format string `yaml:"format"`

		// SaveIntermediaryResults writes QA artefacts next to each mesh
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// FailureList is the path of the failed case list, relative to OutputRoot
		FailureList string `yaml:"failureList"`

		// Ledger is the SQLite results database, relative to OutputRoot; empty disables it
		Ledger string `yaml:"ledger"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Batch.InputRoot = "data"
	cfg.Batch.OutputRoot = "output"

	// TotalSegmentator style invocation
	cfg.Segmentation.Enabled = true
	cfg.Segmentation.Command = "TotalSegmentator"
	cfg.Segmentation.Args = []string{"-i", "{input}", "-o", "{output}", "--roi_subset", "{structure}"}
	cfg.Segmentation.Structure = "pancreas"
	cfg.Segmentation.VolumeName = "{structure}.nii.gz"
	cfg.Segmentation.Timeout = 30 * time.Minute
	cfg.Segmentation.SkipExisting = true

	mc := marching.DefaultOptions()
	cfg.Reconstruction.HistogramBins = threshold.DefaultBins
	cfg.Reconstruction.IsoLevel = mc.Level
	cfg.Reconstruction.Pad = mc.Pad
	cfg.Reconstruction.FailOnEmptyMesh = false

	cfg.Output.Format = string(stl.Binary)
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.FailureList = "failed_cases.txt"
	cfg.Output.Ledger = "results.db"
	cfg.Output.Verbose = true

	return cfg
}

// Validate reports the first inconsistent setting
func (c *Config) Validate() error {
	if c.Reconstruction.HistogramBins < 2 {
		return fmt.Errorf("reconstruction.histogramBins must be at least 2, got %d", c.Reconstruction.HistogramBins)
	}
	if c.Reconstruction.IsoLevel <= 0 || c.Reconstruction.IsoLevel >= 1 {
		return fmt.Errorf("reconstruction.isoLevel must be in (0, 1), got %v", c.Reconstruction.IsoLevel)
	}
	switch stl.Format(c.Output.Format) {
	case stl.Binary, stl.ASCII:
	default:
		return fmt.Errorf("output.format must be %q or %q, got %q", stl.Binary, stl.ASCII, c.Output.Format)
	}
	if c.Segmentation.Enabled && c.Segmentation.Command == "" {
		return fmt.Errorf("segmentation.command is required when segmentation is enabled")
	}
	if c.Segmentation.Structure == "" {
		return fmt.Errorf("segmentation.structure is required")
	}
	if c.Output.FailureList == "" {
		return fmt.Errorf("output.failureList is required")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
