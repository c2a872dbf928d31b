package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "missing config file falls back to defaults")

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0.80, cfg.Pricing.SurgeThreshold)
	assert.Equal(t, 1.5, cfg.Pricing.SurgeMax)
	assert.Equal(t, 20, cfg.Calibration.MinSamples)
	assert.Equal(t, time.Hour, cfg.Analytics.BucketSize)
	assert.Equal(t, 250.0, cfg.Scoring.TierBaseValues["premium"])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("server:\n  port: 9999\nrouting:\n  max_reroutes: 7\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Routing.MaxReroutes)
	// untouched sections keep defaults
	assert.Equal(t, 0.05, cfg.Calibration.MaxDelta)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEADFLOW_SERVER_PORT", "7070")
	t.Setenv("LEADFLOW_ENVIRONMENT", "production")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LEADFLOW_SERVER_PORT", "-1")

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
