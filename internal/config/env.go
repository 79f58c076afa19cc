package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".hearthsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths are in the config directory
	cfg.Database.Path = filepath.Join(configDir, "hearthsync.db")
	defaultLogPath := filepath.Join(configDir, "hearthsync.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		// Try the config directory first, then the current directory
		if err := godotenv.Load(configFilePath); err != nil {
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	// Server configuration
	cfg.Server = ServerConfig{
		URL:             getEnvString("HEARTHSYNC_SERVER_URL", "https://api.hearthkit.dev"),
		Token:           getEnvString("HEARTHSYNC_SERVER_TOKEN", ""),
		FamilyID:        getEnvString("HEARTHSYNC_FAMILY_ID", ""),
		DeviceName:      getEnvString("HEARTHSYNC_DEVICE_NAME", ""),
		Timeout:         getEnvDuration("HEARTHSYNC_SERVER_TIMEOUT", 30*time.Second),
		PushesPerSecond: getEnvFloat("HEARTHSYNC_SERVER_PUSHES_PER_SECOND", 10),
		PushBurst:       getEnvInt("HEARTHSYNC_SERVER_PUSH_BURST", 5),
	}

	// Sync engine configuration
	rawCollections := strings.Split(getEnvString("HEARTHSYNC_SYNC_COLLECTIONS", "tasks,events,messages,votes,journal,settings"), ",")
	var collections []string
	for _, c := range rawCollections {
		c = strings.TrimSpace(c)
		if c != "" {
			collections = append(collections, c)
		}
	}

	cfg.Sync = SyncConfig{
		Interval:       getEnvDuration("HEARTHSYNC_SYNC_INTERVAL", 5*time.Minute),
		Concurrency:    getEnvInt("HEARTHSYNC_SYNC_CONCURRENCY", 4),
		MaxAttempts:    getEnvInt("HEARTHSYNC_SYNC_MAX_ATTEMPTS", 8),
		BackoffBase:    getEnvDuration("HEARTHSYNC_SYNC_BACKOFF_BASE", 2*time.Second),
		BackoffMax:     getEnvDuration("HEARTHSYNC_SYNC_BACKOFF_MAX", 5*time.Minute),
		DefaultPolicy:  getEnvString("HEARTHSYNC_SYNC_DEFAULT_POLICY", "field_merge"),
		Collections:    collections,
		PullBatchLimit: getEnvInt("HEARTHSYNC_SYNC_PULL_BATCH_LIMIT", 200),
	}

	// Network monitoring configuration
	cfg.Network = NetworkConfig{
		ProbeInterval:  getEnvDuration("HEARTHSYNC_NETWORK_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:   getEnvDuration("HEARTHSYNC_NETWORK_PROBE_TIMEOUT", 5*time.Second),
		DebounceWindow: getEnvDuration("HEARTHSYNC_NETWORK_DEBOUNCE_WINDOW", 2*time.Second),
	}

	// Database configuration
	cfg.Database = DatabaseConfig{
		Path:            getEnvString("HEARTHSYNC_DB_PATH", cfg.Database.Path),
		BusyTimeout:     getEnvInt("HEARTHSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("HEARTHSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("HEARTHSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("HEARTHSYNC_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("HEARTHSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("HEARTHSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("HEARTHSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	// Logging configuration
	cfg.Logging = LoggingConfig{
		Level:      getEnvString("HEARTHSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("HEARTHSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("HEARTHSYNC_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("HEARTHSYNC_LOG_ADD_SOURCE", true),
		TimeFormat: getEnvString("HEARTHSYNC_LOG_TIME_FORMAT", time.RFC3339),
	}

	return cfg, cfg.Validate()
}

// getEnvString retrieves a string environment variable or returns the default
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns the default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
