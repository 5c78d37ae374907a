// Package config provides YAML configuration loading and validation for the
// ptcov engine.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	// ImagePath is the path to the raw target image, exactly MaxAddress -
	// BaseAddress bytes, mapped to virtual addresses [BaseAddress, MaxAddress).
	ImagePath string `yaml:"image_path"`

	// BaseAddress is the lowest virtual address covered by ImagePath.
	BaseAddress uint64 `yaml:"base_address"`

	// MaxAddress is the address one past the last byte covered by ImagePath.
	MaxAddress uint64 `yaml:"max_address"`

	// EntryPoint is the virtual address at which coverage tracking begins.
	EntryPoint uint64 `yaml:"entry_point"`

	// MapSize is the size in bytes of the coverage bitmap. Must be a power
	// of two. Defaults to 65536 when zero.
	MapSize int `yaml:"map_size"`

	// AuxSize is the size in bytes of the PT aux ring buffer. Must be a
	// power of two, at least 1 MiB. Defaults to 4 MiB when zero.
	AuxSize int `yaml:"aux_size"`

	// LogLevel is one of "debug", "info", "warn", "error". Defaults to
	// "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

const (
	defaultMapSize = 1 << 16
	defaultAuxSize = 4 * 1024 * 1024
	minAuxSize     = 1024 * 1024
)

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MapSize == 0 {
		c.MapSize = defaultMapSize
	}
	if c.AuxSize == 0 {
		c.AuxSize = defaultAuxSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that required fields are present and internally
// consistent. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.ImagePath == "" {
		return errors.New("image_path is required")
	}
	if c.BaseAddress == 0 {
		return errors.New("base_address is required")
	}
	if c.MaxAddress == 0 {
		return errors.New("max_address is required")
	}
	if c.MaxAddress <= c.BaseAddress {
		return errors.New("max_address must be greater than base_address")
	}
	if c.EntryPoint == 0 {
		return errors.New("entry_point is required")
	}
	if c.EntryPoint < c.BaseAddress || c.EntryPoint >= c.MaxAddress {
		return errors.New("entry_point must lie within [base_address, max_address)")
	}
	if !isPowerOfTwo(c.MapSize) {
		return fmt.Errorf("map_size must be a power of two, got %d", c.MapSize)
	}
	if !isPowerOfTwo(c.AuxSize) || c.AuxSize < minAuxSize {
		return fmt.Errorf("aux_size must be a power of two >= %d, got %d", minAuxSize, c.AuxSize)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
