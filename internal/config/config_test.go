package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, 60*time.Second, cfg.BackoffBase)
	assert.Equal(t, time.Hour, cfg.StatsWindow)
	assert.False(t, cfg.ReaperEnabled)
	assert.Equal(t, 5*time.Minute, cfg.ClaimTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/duraq")
	t.Setenv("BACKOFF_BASE", "30")
	t.Setenv("REAPER_ENABLED", "true")
	t.Setenv("CLAIM_TIMEOUT", "120")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://localhost/duraq", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.True(t, cfg.ReaperEnabled)
	assert.Equal(t, 2*time.Minute, cfg.ClaimTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadBackoff(t *testing.T) {
	t.Setenv("BACKOFF_BASE", "-5")
	_, err := LoadConfig()
	assert.Error(t, err)
}
