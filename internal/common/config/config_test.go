package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PERMISSION_MODE", "MAX_TURNS", "DEBUG", "LOG_FILE",
		"BACKEND_MODE", "BACKEND_PATH", "BACKEND_API_KEY", "BACKEND_MODEL",
		"BACKEND_TEMPERATURE", "BACKEND_MAX_TOKENS",
		"CACHE_MAX_SIZE", "CACHE_TTL_MS", "CACHE_STRATEGY",
		"MAX_CONCURRENT_SESSIONS", "MAX_CONCURRENT_OPERATIONS",
		"MEMORY_WARNING_MIB", "MEMORY_CRITICAL_MIB",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, PermissionDefault, cfg.PermissionMode)
	assert.Equal(t, 0, cfg.MaxTurns)
	assert.False(t, cfg.Debug)
	assert.Equal(t, BackendSubprocess, cfg.Backend.Mode)
	assert.Equal(t, 4096, cfg.Backend.MaxTokens)
	assert.Equal(t, "lru", cfg.Cache.Strategy)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 100, cfg.Limits.MaxConcurrentSessions)
	assert.Equal(t, 50, cfg.Limits.MaxConcurrentOperations)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PERMISSION_MODE", "accept_edits")
	t.Setenv("MAX_TURNS", "12")
	t.Setenv("DEBUG", "true")
	t.Setenv("BACKEND_MODE", "http")
	t.Setenv("BACKEND_MODEL", "claude-sonnet-4")
	t.Setenv("BACKEND_TEMPERATURE", "0.3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, PermissionAcceptEdits, cfg.PermissionMode)
	assert.Equal(t, 12, cfg.MaxTurns)
	assert.True(t, cfg.Debug)
	assert.Equal(t, BackendHTTP, cfg.Backend.Mode)
	assert.Equal(t, "claude-sonnet-4", cfg.Backend.Model)
	assert.InDelta(t, 0.3, cfg.Backend.Temperature, 0.0001)
	assert.Equal(t, "debug", cfg.LogLevel())
}

func TestLoadRejectsInvalidPermissionMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("PERMISSION_MODE", "yolo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_MODE")
}

func TestLoadRejectsNonNumericMaxTurns(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_TURNS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TURNS")
}

func TestLoadJoinsAllValidationFailures(t *testing.T) {
	clearEnv(t)
	t.Setenv("PERMISSION_MODE", "yolo")
	t.Setenv("BACKEND_MODE", "carrier-pigeon")
	t.Setenv("CACHE_STRATEGY", "random")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_MODE")
	assert.Contains(t, err.Error(), "BACKEND_MODE")
	assert.Contains(t, err.Error(), "CACHE_STRATEGY")
}
