// Package config provides configuration loading and management for octdenoise.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data parameters
	Data struct {
		// InputDir is the root directory holding one scan directory per patient
		InputDir string `yaml:"inputDir"`

		// PatientPattern names patient directories; %d is replaced by the patient number
		PatientPattern string `yaml:"patientPattern"`

		// FirstPatient and Patients select the patient range to load
		FirstPatient int `yaml:"firstPatient"`
		Patients     int `yaml:"patients"`

		// ImagesPerPatient caps the number of pairs taken from one patient
		ImagesPerPatient int `yaml:"imagesPerPatient"`

		// ImageSize is the side length every scan is resized to
		ImageSize int `yaml:"imageSize"`

		// ConsecutivePairs pairs every scan with the next scan of the same
		// patient instead of its OCTA pseudo-target
		ConsecutivePairs bool `yaml:"consecutivePairs"`
	} `yaml:"data"`

	// OCTA pseudo-target synthesis parameters
	OCTA struct {
		// Neighbours is the radius n of scans compared on each side
		Neighbours int `yaml:"neighbours"`

		// ThresholdPercentile is the background percentile p of the source scan
		ThresholdPercentile float64 `yaml:"thresholdPercentile"`

		// SpeckleMinSize is the smallest connected region kept, in pixels
		SpeckleMinSize int `yaml:"speckleMinSize"`

		// Epsilon guards the decorrelation denominator
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"octa"`

	// Blind-spot (masked reconstruction) parameters
	BlindSpot struct {
		// Partitions is the number K of disjoint masks
		Partitions int `yaml:"partitions"`

		// Criterion is the reconstruction loss, "mse" or "l1"
		Criterion string `yaml:"criterion"`

		// UseFlow enables the flow consistency term
		UseFlow bool `yaml:"useFlow"`

		// Alpha weights the flow consistency term
		Alpha float64 `yaml:"alpha"`

		// ForegroundFloor is the intensity below which flow pixels count as background
		ForegroundFloor float64 `yaml:"foregroundFloor"`
	} `yaml:"blindSpot"`

	// Progressive multi-level parameters
	Progressive struct {
		// DatasetDir is the root of the fused-level dataset
		DatasetDir string `yaml:"datasetDir"`

		// Levels is the number of levels per group including the base; 0 discovers it
		Levels int `yaml:"levels"`

		// Epsilon floors the standard deviations used for statistic matching
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"progressive"`

	// Model parameters
	Model struct {
		// Name selects the architecture from the model registry
		Name string `yaml:"name"`

		// KernelSize is the side of the convolution kernel
		KernelSize int `yaml:"kernelSize"`

		// Seed initialises the weights
		Seed int64 `yaml:"seed"`
	} `yaml:"model"`

	// Training parameters
	Training struct {
		Epochs       int     `yaml:"epochs"`
		BatchSize    int     `yaml:"batchSize"`
		LearningRate float64 `yaml:"learningRate"`

		// Optimizer is "adam" or "sgd"
		Optimizer string `yaml:"optimizer"`

		// ValSplit is the fraction of samples held out for validation
		ValSplit float64 `yaml:"valSplit"`
		Shuffle  bool    `yaml:"shuffle"`
		Seed     int64   `yaml:"seed"`

		// CheckpointDB is the SQLite file holding checkpoints
		CheckpointDB string `yaml:"checkpointDB"`

		// RunName identifies the run inside the checkpoint store
		RunName string `yaml:"runName"`

		// Save writes best and last checkpoints every epoch
		Save bool `yaml:"save"`

		// Load resumes from the best checkpoint of RunName
		Load bool `yaml:"load"`

		// Scheduler reduces the learning rate when validation loss plateaus
		Scheduler struct {
			Factor   float64 `yaml:"factor"`
			Patience int     `yaml:"patience"`
		} `yaml:"scheduler"`
	} `yaml:"training"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool   `yaml:"saveIntermediaryResults"`
		IntermediaryDir         string `yaml:"intermediaryDir"`

		// Visualise saves a panel of the first batch of every epoch
		Visualise bool   `yaml:"visualise"`
		PlotDir   string `yaml:"plotDir"`

		// HistoryFile receives the per-epoch loss history as JSON
		HistoryFile string `yaml:"historyFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.PatientPattern = "RawDataQA (%d)"
	cfg.Data.FirstPatient = 1
	cfg.Data.Patients = 1
	cfg.Data.ImagesPerPatient = 50
	cfg.Data.ImageSize = 256

	cfg.OCTA.Neighbours = 2
	cfg.OCTA.ThresholdPercentile = 20
	cfg.OCTA.SpeckleMinSize = 10
	cfg.OCTA.Epsilon = 1e-6

	cfg.BlindSpot.Partitions = 4
	cfg.BlindSpot.Criterion = "mse"
	cfg.BlindSpot.UseFlow = false
	cfg.BlindSpot.Alpha = 1.0
	cfg.BlindSpot.ForegroundFloor = 0.01

	cfg.Progressive.Levels = 0
	cfg.Progressive.Epsilon = 1e-8

	cfg.Model.Name = "conv3"
	cfg.Model.KernelSize = 3
	cfg.Model.Seed = 1

	cfg.Training.Epochs = 10
	cfg.Training.BatchSize = 8
	cfg.Training.LearningRate = 1e-4
	cfg.Training.Optimizer = "adam"
	cfg.Training.ValSplit = 0.2
	cfg.Training.Shuffle = true
	cfg.Training.Seed = 42
	cfg.Training.CheckpointDB = "checkpoints.db"
	cfg.Training.RunName = "default"
	cfg.Training.Save = true
	cfg.Training.Scheduler.Factor = 0.5
	cfg.Training.Scheduler.Patience = 10

	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.PlotDir = "visualizations"
	cfg.Output.HistoryFile = "training_history.json"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks that the configured values are usable
func (c *Config) Validate() error {
	switch {
	case c.Data.ImageSize <= 0:
		return fmt.Errorf("data.imageSize must be positive, got %d", c.Data.ImageSize)
	case c.OCTA.Neighbours < 1:
		return fmt.Errorf("octa.neighbours must be at least 1, got %d", c.OCTA.Neighbours)
	case c.OCTA.ThresholdPercentile < 0 || c.OCTA.ThresholdPercentile > 100:
		return fmt.Errorf("octa.thresholdPercentile must lie in [0,100], got %g", c.OCTA.ThresholdPercentile)
	case c.OCTA.SpeckleMinSize < 0:
		return fmt.Errorf("octa.speckleMinSize must not be negative, got %d", c.OCTA.SpeckleMinSize)
	case c.BlindSpot.Partitions < 1:
		return fmt.Errorf("blindSpot.partitions must be at least 1, got %d", c.BlindSpot.Partitions)
	case c.BlindSpot.Criterion != "mse" && c.BlindSpot.Criterion != "l1":
		return fmt.Errorf("blindSpot.criterion must be mse or l1, got %q", c.BlindSpot.Criterion)
	case c.Progressive.Levels == 1 || c.Progressive.Levels < 0:
		return fmt.Errorf("progressive.levels must be 0 or at least 2, got %d", c.Progressive.Levels)
	case c.Training.BatchSize <= 0:
		return fmt.Errorf("training.batchSize must be positive, got %d", c.Training.BatchSize)
	case c.Training.ValSplit < 0 || c.Training.ValSplit >= 1:
		return fmt.Errorf("training.valSplit must lie in [0,1), got %g", c.Training.ValSplit)
	case c.Training.Optimizer != "adam" && c.Training.Optimizer != "sgd":
		return fmt.Errorf("training.optimizer must be adam or sgd, got %q", c.Training.Optimizer)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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
