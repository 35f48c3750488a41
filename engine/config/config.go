// Package config loads and watches the YAML configuration surface of the
// session core.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"veloride/engine/internal/analytics"
	"veloride/engine/internal/fusion"
)

// File is the on-disk configuration. Zero values fall back to defaults at
// load time.
type File struct {
	FTP                     uint16        `yaml:"ftp"`
	RampDurationSeconds     uint32        `yaml:"ramp_duration_seconds"`
	MMPDurations            []uint32      `yaml:"mmp_durations"`
	Fusion                  fusion.Config `yaml:"fusion"`
	TrainerDropoutTimeoutMS uint32        `yaml:"trainer_dropout_timeout_ms"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"`
	StorePath      string `yaml:"store_path"`
}

// Default returns the stock configuration.
func Default() File {
	return File{
		FTP:                     200,
		RampDurationSeconds:     3,
		MMPDurations:            analytics.StandardDurations(),
		Fusion:                  fusion.DefaultConfig(),
		TrainerDropoutTimeoutMS: 3000,
		MetricsBackend:          "prom",
	}
}

// Load reads and validates a config file. A missing file yields defaults.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content, applies defaults and validates.
func Parse(data []byte) (File, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func (c *File) applyDefaults() {
	def := Default()
	if c.FTP == 0 {
		c.FTP = def.FTP
	}
	if c.RampDurationSeconds == 0 {
		c.RampDurationSeconds = def.RampDurationSeconds
	}
	if len(c.MMPDurations) == 0 {
		c.MMPDurations = def.MMPDurations
	}
	if c.Fusion.DropoutTimeoutMS == 0 {
		c.Fusion.DropoutTimeoutMS = def.Fusion.DropoutTimeoutMS
	}
	if c.Fusion.WindowSize == 0 {
		c.Fusion.WindowSize = def.Fusion.WindowSize
	}
	if c.TrainerDropoutTimeoutMS == 0 {
		c.TrainerDropoutTimeoutMS = def.TrainerDropoutTimeoutMS
	}
	if c.MetricsBackend == "" {
		c.MetricsBackend = def.MetricsBackend
	}
}

// Validate rejects configurations the core cannot run with.
func (c *File) Validate() error {
	if c.FTP == 0 {
		return errors.New("config: ftp must be positive")
	}
	for _, d := range c.MMPDurations {
		if d == 0 {
			return errors.New("config: mmp_durations must be positive")
		}
	}
	if c.Fusion.PrimaryWeight < 0 || c.Fusion.SecondaryWeight < 0 {
		return errors.New("config: fusion weights must be non-negative")
	}
	if c.Fusion.SmoothingFactor < 0 || c.Fusion.SmoothingFactor > 1 {
		return errors.New("config: fusion smoothing_factor must be in [0,1]")
	}
	return nil
}

// Checksum fingerprints the config for change detection.
func (c *File) Checksum() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
