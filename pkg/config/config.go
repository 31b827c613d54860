// Package config loads the YAML configuration of a neuron device.
package config

import (
	"fmt"
	"os"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/mempool"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a device instance
type Config struct {
	Device  DeviceConfig      `yaml:"device"`
	Layout  driver.Layout     `yaml:"layout"`
	Mempool mempool.Options   `yaml:"mempool"`
	Faults  mapping.FaultAttr `yaml:"faults"`
	Log     LogConfig         `yaml:"log"`
}

// DeviceConfig locates the device and its register BARs
type DeviceConfig struct {
	Path    string `yaml:"path"`
	Bar0    string `yaml:"bar0"`
	Bar2    string `yaml:"bar2"`
	PhysMem string `yaml:"physmem"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of a V1 device at /dev/neuron0
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Path:    "/dev/neuron0",
			PhysMem: mapping.DefaultPhysMemPath,
		},
		Layout: driver.V1Layout(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return driver.InvalidArgument("log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return driver.InvalidArgument("log format %q", c.Log.Format)
	}
	if c.Faults.Probability < 0 || c.Faults.Probability > 100 {
		return driver.InvalidArgument("fault probability %d outside [0,100]", c.Faults.Probability)
	}
	return nil
}

// NewLogger builds the logger described by the configuration
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
