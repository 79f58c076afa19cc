// Package config provides configuration management for hearthsync
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
// If the configuration has not been initialized, it will return an error
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig
	Sync      SyncConfig
	Network   NetworkConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	configDir string // Internal: directory config was loaded from
}

// ServerConfig represents the family backend connection configuration
type ServerConfig struct {
	URL             string        // Backend document store base URL
	Token           string        // Bearer token for the family account
	FamilyID        string        // Family/account scope for all sync traffic
	DeviceName      string        // Friendly name for this device
	Timeout         time.Duration // Per-request transport timeout
	PushesPerSecond float64       // Rate limit for push requests during a drain
	PushBurst       int           // Burst allowance for the push rate limiter
}

// SyncConfig represents sync engine behaviour configuration
type SyncConfig struct {
	Interval       time.Duration // Periodic drain interval in watch mode
	Concurrency    int           // Max documents pushed concurrently in one drain
	MaxAttempts    int           // Attempt ceiling before an operation fails permanently
	BackoffBase    time.Duration // Base delay for retry backoff
	BackoffMax     time.Duration // Cap for retry backoff
	DefaultPolicy  string        // Default conflict resolution policy
	Collections    []string      // Collections pulled from the backend
	PullBatchLimit int           // Max changes fetched per pull request
}

// NetworkConfig represents connectivity monitoring configuration
type NetworkConfig struct {
	ProbeInterval  time.Duration // How often connectivity is probed
	ProbeTimeout   time.Duration // Timeout for a single reachability probe
	DebounceWindow time.Duration // Flap window coalesced into one transition
}

// DatabaseConfig represents local SQLite configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// New creates a new empty configuration
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}

	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("invalid backoff bounds: base %s, max %s", c.Sync.BackoffBase, c.Sync.BackoffMax)
	}

	switch c.Sync.DefaultPolicy {
	case "prefer_local", "prefer_remote", "field_merge", "manual":
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Sync.DefaultPolicy)
	}

	if c.Network.DebounceWindow < 0 {
		return fmt.Errorf("network debounce window must not be negative")
	}

	return nil
}

// ParseLogLevel converts a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
