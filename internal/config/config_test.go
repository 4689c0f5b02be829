package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHATSYNC_SERVER_HOST",
		"CHATSYNC_AUTH_TOKEN",
		"CHATSYNC_PASSPHRASE",
		"CHATSYNC_KEY_SALT",
		"CHATSYNC_REMEMBER_KEY",
		"CHATSYNC_DEVICE_NAME",
		"CHATSYNC_DATA_DIR",
		"CHATSYNC_CACHE_MAX_ENTRIES",
		"CHATSYNC_CACHE_TTL",
		"CHATSYNC_CACHE_SWEEP_INTERVAL",
		"CHATSYNC_FLUSH_INTERVAL",
		"CHATSYNC_MAX_OP_RETRIES",
		"CHATSYNC_MAX_SYNC_RETRIES",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T, dataDir string) {
	t.Helper()
	t.Setenv("CHATSYNC_SERVER_HOST", "sync.example.com")
	t.Setenv("CHATSYNC_AUTH_TOKEN", "tok_abc123")
	t.Setenv("CHATSYNC_PASSPHRASE", "correct horse battery")
	t.Setenv("CHATSYNC_KEY_SALT", "account-salt")
	t.Setenv("CHATSYNC_DATA_DIR", dataDir)
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setRequiredEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sync.example.com", cfg.ServerHost)
	assert.False(t, cfg.RememberKey, "key persistence defaults to session-only")
	assert.Equal(t, 1000, cfg.CacheMaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.CacheSweepEvery)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5, cfg.MaxOpRetries)
	assert.Equal(t, 3, cfg.MaxSyncRetries)
	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.DeviceName, "device name should default to hostname")
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name string
		omit string
	}{
		{"missing host", "CHATSYNC_SERVER_HOST"},
		{"missing token", "CHATSYNC_AUTH_TOKEN"},
		{"missing passphrase", "CHATSYNC_PASSPHRASE"},
		{"missing salt", "CHATSYNC_KEY_SALT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t, t.TempDir())
			os.Unsetenv(tt.omit)

			_, err := Load()
			assert.ErrorContains(t, err, tt.omit)
		})
	}
}

func TestLoad_InvalidDurations(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("CHATSYNC_CACHE_TTL", "-1m")

	_, err := Load()
	assert.ErrorContains(t, err, "CHATSYNC_CACHE_TTL")
}

func TestLoad_DataDirResolvedAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("CHATSYNC_DATA_DIR", ".")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir), "data dir should be absolute, got %q", cfg.DataDir)
}

func TestStorePath_JoinsDataDir(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setRequiredEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chatsync.db"), cfg.StorePath())
}

func TestIsProduction(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
