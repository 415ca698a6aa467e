package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 10*time.Minute, cfg.AuthCodeExpiration)
	assert.Equal(t, time.Hour, cfg.AccessTokenExpiration)
	assert.Equal(t, 30*time.Second, cfg.ResolutionCacheTTL)
	assert.Equal(t, CacheBackendMemory, cfg.CacheBackend)
	assert.Contains(t, cfg.SkipPaths, "/oauth/token")
	assert.Contains(t, cfg.AnonymousPaths, "/oauth/authorize")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AUTH_CODE_EXPIRATION", "5m")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("AUTH_SKIP_PATHS", "/a, /b ,")

	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.AuthCodeExpiration)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, []string{"/a", "/b"}, cfg.SkipPaths)
}

func TestValidateRejectsLongCodeExpiry(t *testing.T) {
	cfg := Load()
	cfg.AuthCodeExpiration = 11 * time.Minute
	assert.Error(t, cfg.Validate())

	cfg.AuthCodeExpiration = 10 * time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Load()
	cfg.DatabaseDriver = "oracle"
	assert.Error(t, cfg.Validate())
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := Load()
	cfg.DatabaseDriver = "postgres"
	cfg.DatabaseDSN = ""
	assert.Error(t, cfg.Validate())

	cfg.DatabaseDSN = "host=localhost user=recallgate dbname=recallgate"
	assert.NoError(t, cfg.Validate())
}

func TestValidateProductionDefaults(t *testing.T) {
	cfg := Load()
	cfg.IsProduction = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")

	cfg.SessionSecret = "a-real-secret"
	assert.NoError(t, cfg.Validate())
}
