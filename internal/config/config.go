package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir          string  `yaml:"data_dir"`
	RunsDir          string  `yaml:"runs_dir"`
	CheckpointDir    string  `yaml:"checkpoint_dir"`
	NumClasses       int     `yaml:"num_classes"`
	ImageHeight      int     `yaml:"image_height"`
	ImageWidth       int     `yaml:"image_width"`
	Epochs           int     `yaml:"epochs"`
	BatchSize        int     `yaml:"batch_size"`
	KeepProb         float64 `yaml:"keep_prob"`
	LearningRate     float64 `yaml:"learning_rate"`
	CheckpointRetain int     `yaml:"checkpoint_retain"`
	Seed             int64   `yaml:"seed"`
	StatusAddr       string  `yaml:"status_addr"`
	ExportSamples    bool    `yaml:"export_samples"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir       string
	RunsDir       string
	CheckpointDir string
	Epochs        int
	BatchSize     int
	KeepProb      float64
	LearningRate  float64
	Seed          int64
	StatusAddr    string
	NoCheckpoints bool
	NoExport      bool
}

// Default returns the configuration of the reference KITTI road run.
func Default() *Config {
	return &Config{
		DataDir:          "./data",
		RunsDir:          "./runs",
		CheckpointDir:    "./checkpoints",
		NumClasses:       2,
		ImageHeight:      160,
		ImageWidth:       576,
		Epochs:           16,
		BatchSize:        1,
		KeepProb:         0.2,
		LearningRate:     0.001,
		CheckpointRetain: 10,
		Seed:             42,
		ExportSamples:    true,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.RunsDir != "" {
		c.RunsDir = o.RunsDir
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.NoCheckpoints {
		c.CheckpointDir = ""
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.KeepProb > 0 {
		c.KeepProb = o.KeepProb
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.StatusAddr != "" {
		c.StatusAddr = o.StatusAddr
	}
	if o.NoExport {
		c.ExportSamples = false
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.NumClasses != 2 {
		return errors.Errorf("num_classes must be 2 (got %d)", c.NumClasses)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return errors.Errorf("image size must be > 0 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		return errors.Errorf("keep_prob must be in (0, 1] (got %v)", c.KeepProb)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.CheckpointRetain <= 0 {
		c.CheckpointRetain = 10
	}
	if c.ExportSamples && c.RunsDir == "" {
		return errors.New("runs_dir must be set when export_samples is enabled")
	}
	return nil
}

// TrainingRoot is the directory holding the labelled training pairs.
func (c *Config) TrainingRoot() string {
	return filepath.Join(c.DataDir, "data_road", "training")
}

// TestingRoot is the directory holding the held-out images.
func (c *Config) TestingRoot() string {
	return filepath.Join(c.DataDir, "data_road", "testing")
}
