package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7, cfg.License.GraceDays)
	assert.Equal(t, 5*time.Minute, cfg.License.ActivationCooldown)
	assert.Equal(t, []string{"user-agent"}, cfg.Security.RequiredHeaders)
}

func TestDefaultsFillRateLimitWindows(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, WindowConfig{Max: 30, Window: time.Minute}, cfg.RateLimit.Validation)
	assert.Equal(t, WindowConfig{Max: 5, Window: 5 * time.Minute}, cfg.RateLimit.Activation)
	assert.Equal(t, WindowConfig{Max: 120, Window: time.Minute}, cfg.RateLimit.Global)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"no origins", func(c *Config) { c.Security.AllowedOrigins = nil }},
		{"negative grace", func(c *Config) { c.License.GraceDays = -1 }},
		{"zero state ttl", func(c *Config) { c.Gate.StateTTL = 0 }},
		{"queue smaller than batch", func(c *Config) { c.Audit.QueueCapacity = 1 }},
		{"zero window", func(c *Config) { c.RateLimit.Validation.Window = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestLoadAppliesEnvAndYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server:\n  port: 9999\nlicense:\n  grace_days: 14\n"), 0o644))

	t.Setenv("LG_CONFIG_FILE", path)
	t.Setenv("LG_LICENSE_ACTIVATION_COOLDOWN", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port, "yaml overlays env")
	assert.Equal(t, 14, cfg.License.GraceDays)
	assert.Equal(t, 90*time.Second, cfg.License.ActivationCooldown)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	t.Setenv("LG_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
