package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Sync server host, e.g. "sync.halcyonchat.dev". Required.
	ServerHost string `env:"CHATSYNC_SERVER_HOST"`

	// Bearer token presented during transport init. Required.
	AuthToken string `env:"CHATSYNC_AUTH_TOKEN"`

	// Passphrase the master key is derived from. Required.
	Passphrase string `env:"CHATSYNC_PASSPHRASE"`

	// Per-account salt for key derivation, assigned at enrollment. Required.
	KeySalt string `env:"CHATSYNC_KEY_SALT"`

	// RememberKey controls whether the master key persists across
	// restarts ("durable") or lives only for the process ("session").
	// This is caller policy; the keyring never decides it.
	RememberKey bool `env:"CHATSYNC_REMEMBER_KEY" envDefault:"false"`

	// Device name this client identifies as. Defaults to hostname.
	DeviceName string `env:"CHATSYNC_DEVICE_NAME"`

	// Directory holding the local store database. Defaults to
	// ~/.chatsync/ after Load.
	DataDir string `env:"CHATSYNC_DATA_DIR"`

	// Decryption cache tuning.
	CacheMaxEntries int           `env:"CHATSYNC_CACHE_MAX_ENTRIES" envDefault:"1000"`
	CacheTTL        time.Duration `env:"CHATSYNC_CACHE_TTL" envDefault:"5m"`
	CacheSweepEvery time.Duration `env:"CHATSYNC_CACHE_SWEEP_INTERVAL" envDefault:"2m"`

	// Offline queue tuning.
	FlushInterval time.Duration `env:"CHATSYNC_FLUSH_INTERVAL" envDefault:"10s"`
	MaxOpRetries  int           `env:"CHATSYNC_MAX_OP_RETRIES" envDefault:"5"`

	// Bounded retries for the initial manifest apply before the engine
	// falls back to a degraded steady state.
	MaxSyncRetries int `env:"CHATSYNC_MAX_SYNC_RETRIES" envDefault:"3"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the passphrase and auth token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".chatsync")
	}

	// Downstream code opens the bbolt file by joining onto DataDir, so
	// resolve it to an absolute path once, up front.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}
	cfg.DataDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("CHATSYNC_SERVER_HOST is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("CHATSYNC_AUTH_TOKEN is required")
	}

	if c.Passphrase == "" {
		return fmt.Errorf("CHATSYNC_PASSPHRASE is required")
	}

	if c.KeySalt == "" {
		return fmt.Errorf("CHATSYNC_KEY_SALT is required")
	}

	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CHATSYNC_CACHE_MAX_ENTRIES must be positive")
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CHATSYNC_CACHE_TTL must be positive")
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("CHATSYNC_FLUSH_INTERVAL must be positive")
	}

	if c.MaxOpRetries <= 0 {
		return fmt.Errorf("CHATSYNC_MAX_OP_RETRIES must be positive")
	}

	if c.MaxSyncRetries <= 0 {
		return fmt.Errorf("CHATSYNC_MAX_SYNC_RETRIES must be positive")
	}

	return nil
}

// StorePath returns the path of the local store database file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "chatsync.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
