package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Tools.AutoExecuteReads)
	assert.False(t, cfg.Tools.AutoExecuteWrites)
	assert.Equal(t, 20, cfg.Loop.MaxIterations)
	assert.Equal(t, 0.5, cfg.Loop.MomentumThreshold)
	assert.Equal(t, 0.3, cfg.Loop.PauseThreshold)
	assert.Equal(t, 5, cfg.Loop.MaxConsecutiveFailures)
	assert.Equal(t, 60*time.Second, cfg.Tools.Timeout)
}

func TestPresets(t *testing.T) {
	auto := Autonomous()
	require.NoError(t, auto.Validate())
	assert.Equal(t, 30, auto.Loop.MaxIterations)
	assert.True(t, auto.Tools.AutoExecuteWrites)

	cons := Conservative()
	require.NoError(t, cons.Validate())
	assert.False(t, cons.Loop.ExtendOnProgress)
	assert.False(t, cons.Tools.AutoExecuteWrites)
	assert.Equal(t, 2, cons.Loop.MaxConsecutiveFailures)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty rotation", func(c *Config) { c.Models.Rotation = nil }, "rotation"},
		{"blank model", func(c *Config) { c.Models.Rotation = []string{""} }, "empty"},
		{"bad temperature", func(c *Config) { c.Models.Temperature = 1.5 }, "temperature"},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }, "iterations"},
		{"ceiling below max", func(c *Config) { c.Loop.IterationCeiling = 5 }, "ceiling"},
		{"inverted thresholds", func(c *Config) { c.Loop.PauseThreshold = 0.9 }, "threshold"},
		{"zero timeout", func(c *Config) { c.Tools.Timeout = 0 }, "timeout"},
		{"zero budget", func(c *Config) { c.Context.BudgetTokens = 0 }, "budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
