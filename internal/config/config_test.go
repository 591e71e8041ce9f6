package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, int64(16), cfg.RingBase)
	assert.Equal(t, 32, cfg.RingDigits)
	assert.Equal(t, 14, cfg.IdaN)
	assert.Equal(t, 10, cfg.IdaM)
	assert.Equal(t, int64(257), cfg.IdaP)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid port (negative)", func(c *Config) { c.Port = -1 }, true},
		{"invalid port (too large)", func(c *Config) { c.Port = 70000 }, true},
		{"invalid HTTP port", func(c *Config) { c.HTTPPort = -1 }, true},
		{"invalid ring base", func(c *Config) { c.RingBase = 1 }, true},
		{"invalid successor list size", func(c *Config) { c.SuccessorListSize = 0 }, true},
		{"invalid merkle fanout", func(c *Config) { c.MerkleFanout = 1 }, true},
		{"n not greater than m", func(c *Config) { c.IdaN, c.IdaM = 10, 10 }, true},
		{"p not greater than n", func(c *Config) { c.IdaN, c.IdaM, c.IdaP = 5, 3, 5 }, true},
		{"p not prime", func(c *Config) { c.IdaN, c.IdaM, c.IdaP = 5, 3, 9 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigFields(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 7300, cfg.Port)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 14, cfg.SuccessorListSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}
