// Package config loads the YAML configuration of the segtrain binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-segtrain/logging"
	"github.com/tsawler/go-segtrain/training"
)

// Environment variables that override file values.
const (
	EnvLogLevel      = "SEGTRAIN_LOG_LEVEL"
	EnvDevice        = "SEGTRAIN_DEVICE"
	EnvCheckpointDir = "SEGTRAIN_CHECKPOINT_DIR"
)

// Config holds all segtrain configuration.
type Config struct {
	Training training.TrainingConfig `yaml:"training"`
	Data     DataConfig              `yaml:"data"`
	Model    ModelConfig             `yaml:"model"`
	Logging  logging.Config          `yaml:"logging"`

	// HistoryDB is the SQLite file runs are recorded in. Empty disables recording.
	HistoryDB string `yaml:"history_db"`
}

// DataConfig selects the dataset and how it is batched.
type DataConfig struct {
	Source        string  `yaml:"source"` // shapes or folder
	ImageDir      string  `yaml:"image_dir"`
	MaskDir       string  `yaml:"mask_dir"`
	ImageSize     int     `yaml:"image_size"`
	Channels      int     `yaml:"channels"`
	MaskThreshold float32 `yaml:"mask_threshold"`
	CacheSize     int     `yaml:"cache_size"`

	Samples int     `yaml:"samples"`
	Noise   float32 `yaml:"noise"`

	ValFraction float64 `yaml:"val_fraction"`
	BatchSize   int     `yaml:"batch_size"`
	NumWorkers  int     `yaml:"num_workers"`
	Prefetch    int     `yaml:"prefetch"` // batches loaded ahead in the background (0 = off)
	Shuffle     bool    `yaml:"shuffle"`
	Seed        int64   `yaml:"seed"`
}

// ModelConfig sizes the segmentation network.
type ModelConfig struct {
	Hidden int   `yaml:"hidden"`
	Seed   int64 `yaml:"seed"`
}

// Data sources.
const (
	SourceShapes = "shapes"
	SourceFolder = "folder"
)

// DefaultConfig returns a configuration that trains on synthetic shapes.
func DefaultConfig() *Config {
	return &Config{
		Training: training.DefaultTrainingConfig(),
		Data: DataConfig{
			Source:        SourceShapes,
			ImageSize:     32,
			Channels:      1,
			MaskThreshold: 0.5,
			Samples:       64,
			Noise:         0.3,
			ValFraction:   0.2,
			BatchSize:     8,
			NumWorkers:    4,
			Prefetch:      2,
			Shuffle:       true,
			Seed:          42,
		},
		Model:     ModelConfig{Hidden: 8, Seed: 1},
		Logging:   logging.DefaultConfig(),
		HistoryDB: "runs/history.db",
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvDevice); v != "" {
		c.Training.Device = v
	}
	if v := os.Getenv(EnvCheckpointDir); v != "" {
		c.Training.CheckpointDir = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if c.Model.Hidden <= 0 {
		return fmt.Errorf("model: hidden channels must be positive, got %d", c.Model.Hidden)
	}
	return nil
}

func (d DataConfig) Validate() error {
	switch d.Source {
	case SourceShapes:
		if d.Samples < 2 {
			return fmt.Errorf("shapes source needs at least 2 samples, got %d", d.Samples)
		}
	case SourceFolder:
		if d.ImageDir == "" || d.MaskDir == "" {
			return fmt.Errorf("folder source needs image_dir and mask_dir")
		}
	default:
		return fmt.Errorf("unknown data source %q", d.Source)
	}
	if d.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", d.ImageSize)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", d.BatchSize)
	}
	if d.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative, got %d", d.Prefetch)
	}
	if d.ValFraction < 0 || d.ValFraction >= 1 {
		return fmt.Errorf("val_fraction must be in [0, 1), got %v", d.ValFraction)
	}
	return nil
}
