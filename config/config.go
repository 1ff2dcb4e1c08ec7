// Package config loads the ican configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/ican/can"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the defaults the commands fall back to when a flag is not
// given.
type Config struct {
	// Interface is the bus locator used when a command gets none.
	Interface string `yaml:"interface"`

	// TickRate is the monitor redraw interval.
	TickRate time.Duration `yaml:"tick_rate"`

	// Format is the byte rendering mode, "hex" or "binary".
	Format string `yaml:"format"`

	Log LogConfig `yaml:"log"`

	// MetricsAddr, if set, serves Prometheus metrics for dump, send and
	// monitor on this address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Reconnect allows one reopen of the bus after a transport failure.
	Reconnect bool `yaml:"reconnect"`
}

type LogConfig struct {
	Dir    string        `yaml:"dir,omitempty"` // empty logs to stderr
	Prefix string        `yaml:"prefix"`
	Rotate time.Duration `yaml:"rotate"` // 0 disables rotation
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interface: "vcan0",
		TickRate:  200 * time.Millisecond,
		Format:    "hex",
		Log: LogConfig{
			Prefix: "ican_",
			Rotate: 0,
		},
		Reconnect: false,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/ican/config.yaml or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ican", "config.yaml"), nil
}

// Load reads the file at path over Default(). An empty path means
// DefaultPath(), and a missing default file is not an error. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Default(), nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("%w: interface is empty", ErrInvalid)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("%w: tick_rate must be positive, got %v", ErrInvalid, c.TickRate)
	}
	if _, err := can.ParseDataFormat(c.Format); err != nil {
		return fmt.Errorf("%w: format: %v", ErrInvalid, err)
	}
	if c.Log.Rotate < 0 {
		return fmt.Errorf("%w: log.rotate must not be negative", ErrInvalid)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr: %v", ErrInvalid, err)
		}
	}
	return nil
}

// DataFormat returns Format as a can.DataFormat. It assumes Validate passed.
func (c *Config) DataFormat() can.DataFormat {
	m, _ := can.ParseDataFormat(c.Format)
	return m
}
