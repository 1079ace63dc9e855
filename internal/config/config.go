package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/staging-node/internal/staging"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		Backend string `yaml:"backend"`
		Ordinal int    `yaml:"ordinal"`
	} `yaml:"device"`
	Staging struct {
		SizePolicy string `yaml:"sizePolicy"`
		// Alignment for the aligned policy, floor for pow2.
		Granularity int `yaml:"granularity"`
	} `yaml:"staging"`
	Bench struct {
		Transfers int    `yaml:"transfers"`
		Streams   int    `yaml:"streams"`
		Depth     int    `yaml:"depth"`
		Sizes     []int  `yaml:"sizes"`
		Direction string `yaml:"direction"`
	} `yaml:"bench"`
	Serve struct {
		ListenAddress string        `yaml:"listenAddress"`
		ProbeInterval time.Duration `yaml:"probeInterval"`
		ProbeSize     int           `yaml:"probeSize"`
	} `yaml:"serve"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Device.Backend = "auto"
	c.Staging.SizePolicy = staging.PolicyPow2
	c.Staging.Granularity = 256
	c.Bench.Transfers = 1000
	c.Bench.Streams = 2
	c.Bench.Depth = 4
	c.Bench.Sizes = []int{4096, 65536, 1 << 20}
	c.Bench.Direction = "both"
	c.Serve.ListenAddress = ":9464"
	c.Serve.ProbeInterval = 10 * time.Second
	c.Serve.ProbeSize = 4096
	return &c
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// Validate checks values the loaders cannot check by type alone.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "auto", "cuda", "host":
	default:
		return fmt.Errorf("device.backend must be auto, cuda or host, got %q", c.Device.Backend)
	}
	if c.Device.Ordinal < 0 {
		return fmt.Errorf("device.ordinal must not be negative")
	}
	if _, err := c.SizePolicy(); err != nil {
		return err
	}
	switch c.Bench.Direction {
	case "htod", "dtoh", "both":
	default:
		return fmt.Errorf("bench.direction must be htod, dtoh or both, got %q", c.Bench.Direction)
	}
	if c.Bench.Transfers <= 0 || c.Bench.Streams <= 0 || c.Bench.Depth <= 0 {
		return fmt.Errorf("bench.transfers, bench.streams and bench.depth must be positive")
	}
	if len(c.Bench.Sizes) == 0 {
		return fmt.Errorf("bench.sizes must not be empty")
	}
	for _, n := range c.Bench.Sizes {
		if n <= 0 {
			return fmt.Errorf("bench.sizes must be positive, got %d", n)
		}
	}
	if c.Serve.ProbeSize <= 0 {
		return fmt.Errorf("serve.probeSize must be positive")
	}
	return nil
}

// SizePolicy builds the staging pool size policy.
func (c *Config) SizePolicy() (staging.SizePolicy, error) {
	return staging.PolicyByName(c.Staging.SizePolicy, c.Staging.Granularity)
}
