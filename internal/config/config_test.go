package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/staging-node/fixtures"
	"github.com/fxnlabs/staging-node/internal/staging"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.Equal(t, "host", config.Device.Backend)
		assert.Equal(t, 1, config.Device.Ordinal)
		assert.Equal(t, "aligned", config.Staging.SizePolicy)
		assert.Equal(t, 4096, config.Staging.Granularity)
		assert.Equal(t, 64, config.Bench.Transfers)
		assert.Equal(t, 4, config.Bench.Streams)
		assert.Equal(t, 8, config.Bench.Depth)
		assert.Equal(t, []int{512, 8192}, config.Bench.Sizes)
		assert.Equal(t, "htod", config.Bench.Direction)
		assert.Equal(t, "127.0.0.1:9100", config.Serve.ListenAddress)
		assert.Equal(t, 30*time.Second, config.Serve.ProbeInterval)
		assert.Equal(t, 1024, config.Serve.ProbeSize)

		policy, err := config.SizePolicy()
		require.NoError(t, err)
		assert.Equal(t, staging.AlignedSize{Alignment: 4096}, policy)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/partial_config.yaml")
		require.NoError(t, err)

		def := Default()
		assert.Equal(t, "host", config.Device.Backend)
		assert.Equal(t, 10, config.Bench.Transfers)
		assert.Equal(t, def.Bench.Sizes, config.Bench.Sizes)
		assert.Equal(t, def.Logger, config.Logger)
		assert.Equal(t, def.Serve, config.Serve)
	})

	t.Run("bad size policy", func(t *testing.T) {
		_, err := LoadConfig("../../fixtures/tests/config/bad_policy.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fibonacci")
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	config := Default()
	require.NoError(t, config.Validate())

	policy, err := config.SizePolicy()
	require.NoError(t, err)
	assert.Equal(t, staging.DefaultPolicy(), policy)
}

func TestTemplateMatchesDefault(t *testing.T) {
	var config Config
	require.NoError(t, yaml.Unmarshal(fixtures.ConfigTemplate, &config))
	assert.Equal(t, Default(), &config)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Device.Backend = "opencl" }},
		{"negative ordinal", func(c *Config) { c.Device.Ordinal = -1 }},
		{"aligned without alignment", func(c *Config) {
			c.Staging.SizePolicy = staging.PolicyAligned
			c.Staging.Granularity = 0
		}},
		{"negative granularity", func(c *Config) { c.Staging.Granularity = -8 }},
		{"bad direction", func(c *Config) { c.Bench.Direction = "up" }},
		{"zero streams", func(c *Config) { c.Bench.Streams = 0 }},
		{"empty sizes", func(c *Config) { c.Bench.Sizes = nil }},
		{"negative size", func(c *Config) { c.Bench.Sizes = []int{-1} }},
		{"zero probe size", func(c *Config) { c.Serve.ProbeSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}
