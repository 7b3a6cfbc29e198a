package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ACCESSHUB_DATABASE_URL", "postgres://localhost/accesshub_test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.SyncRetention)
	assert.Equal(t, 6, cfg.MinPasswordLen)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ACCESSHUB_DATABASE_URL", "postgres://localhost/accesshub_test")
	t.Setenv("ACCESSHUB_ACCESS_TTL", "15m")
	t.Setenv("ACCESSHUB_SYNC_RETENTION", "168h")
	t.Setenv("ACCESSHUB_RATE_LIMIT_PER_SEC", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.SyncRetention)
	assert.Equal(t, 10, cfg.RateLimitPerSec)
}

func TestValidate(t *testing.T) {
	t.Setenv("ACCESSHUB_DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err, "database URL is required")

	t.Setenv("ACCESSHUB_DATABASE_URL", "postgres://localhost/accesshub_test")
	t.Setenv("ACCESSHUB_ENV", "production")
	_, err = Load()
	require.Error(t, err, "production requires a signing key")
}
