package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "/tmp/hearthsync-test.db"},
		Sync: SyncConfig{
			Concurrency:   4,
			MaxAttempts:   8,
			BackoffBase:   2 * time.Second,
			BackoffMax:    5 * time.Minute,
			DefaultPolicy: "field_merge",
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database path",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Sync.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.Sync.MaxAttempts = 0 },
			wantErr: "max attempts",
		},
		{
			name:    "backoff max below base",
			mutate:  func(c *Config) { c.Sync.BackoffMax = time.Second },
			wantErr: "backoff",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Sync.DefaultPolicy = "coin_flip" },
			wantErr: "policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFromEnv(dir, "")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, "field_merge", cfg.Sync.DefaultPolicy)
	assert.Contains(t, cfg.Sync.Collections, "tasks")
	assert.Contains(t, cfg.Sync.Collections, "journal")
	assert.Equal(t, 2*time.Second, cfg.Network.DebounceWindow)
	assert.Equal(t, "WAL", cfg.Database.JournalMode)
	assert.Contains(t, cfg.Database.Path, "hearthsync.db")
}

func TestLoadFromEnvOverrides(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("HEARTHSYNC_SYNC_CONCURRENCY", "2")
	t.Setenv("HEARTHSYNC_SYNC_DEFAULT_POLICY", "manual")
	t.Setenv("HEARTHSYNC_SYNC_COLLECTIONS", "tasks, events")
	t.Setenv("HEARTHSYNC_SERVER_TIMEOUT", "10s")

	cfg, err := LoadFromEnv(dir, "")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sync.Concurrency)
	assert.Equal(t, "manual", cfg.Sync.DefaultPolicy)
	assert.Equal(t, []string{"tasks", "events"}, cfg.Sync.Collections)
	assert.Equal(t, 10*time.Second, cfg.Server.Timeout)
}

func TestTokenObfuscationRoundTrip(t *testing.T) {
	token := "hk_live_0123456789"

	stored := obfuscateToken(token)
	assert.NotEqual(t, token, stored)

	decoded, err := deobfuscateToken(stored)
	require.NoError(t, err)
	assert.Equal(t, token, decoded)
}
