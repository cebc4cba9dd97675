package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the defaults match the most common experiment settings
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OCTA.ThresholdPercentile != 20 {
		t.Errorf("Expected threshold percentile 20, got %g", cfg.OCTA.ThresholdPercentile)
	}
	if cfg.BlindSpot.Alpha != 1.0 {
		t.Errorf("Expected alpha 1.0, got %g", cfg.BlindSpot.Alpha)
	}
	if cfg.BlindSpot.ForegroundFloor != 0.01 {
		t.Errorf("Expected foreground floor 0.01, got %g", cfg.BlindSpot.ForegroundFloor)
	}
	if cfg.Data.ImageSize != 256 {
		t.Errorf("Expected image size 256, got %d", cfg.Data.ImageSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

// TestLoadConfigMissingFile ensures a missing file yields the defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BlindSpot.Partitions != 4 {
		t.Errorf("Expected default partitions 4, got %d", cfg.BlindSpot.Partitions)
	}
}

// TestSaveAndLoadConfig round-trips a modified configuration through YAML
func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.OCTA.Neighbours = 1
	cfg.BlindSpot.UseFlow = true
	cfg.BlindSpot.Alpha = 0.5
	cfg.Training.Scheduler.Patience = 3

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.OCTA.Neighbours != 1 {
		t.Errorf("Expected neighbours 1, got %d", loaded.OCTA.Neighbours)
	}
	if !loaded.BlindSpot.UseFlow {
		t.Errorf("Expected useFlow to be true")
	}
	if loaded.BlindSpot.Alpha != 0.5 {
		t.Errorf("Expected alpha 0.5, got %g", loaded.BlindSpot.Alpha)
	}
	if loaded.Training.Scheduler.Patience != 3 {
		t.Errorf("Expected patience 3, got %d", loaded.Training.Scheduler.Patience)
	}
}

// TestLoadConfigPartialOverride checks that unspecified keys keep their defaults
func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("data:\n  consecutivePairs: true\nocta:\n  thresholdPercentile: 35\nblindSpot:\n  partitions: 2\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.OCTA.ThresholdPercentile != 35 {
		t.Errorf("Expected percentile 35, got %g", cfg.OCTA.ThresholdPercentile)
	}
	if cfg.BlindSpot.Partitions != 2 {
		t.Errorf("Expected partitions 2, got %d", cfg.BlindSpot.Partitions)
	}
	if cfg.OCTA.Neighbours != 2 {
		t.Errorf("Expected default neighbours 2, got %d", cfg.OCTA.Neighbours)
	}
	if !cfg.Data.ConsecutivePairs {
		t.Error("Expected consecutive pairs to be enabled")
	}
}

// TestLoadConfigInvalid rejects out-of-range values
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("blindSpot:\n  criterion: huber\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected an error for an unknown criterion")
	}
}
