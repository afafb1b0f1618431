package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/tildaslashalef/recipebox/internal/loggy"
)

// DefaultConfigDir returns ~/.recipebox
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".recipebox"), nil
}

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for <configDir>/.env)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configDir = dir
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg.configDir = configDir

	defaultDBPath := filepath.Join(configDir, "recipebox.db")
	defaultLogPath := filepath.Join(configDir, "recipebox.log")

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// ENV_FILE_PATH overrides the config directory .env
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(configFilePath); err != nil {
			loggy.Debug("No .env file in config directory", "path", configFilePath, "error", err)
			_ = godotenv.Load() // current directory fallback, missing file is fine
		}
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("RECIPEBOX_DB_PATH", defaultDBPath),
		BusyTimeout:     getEnvInt("RECIPEBOX_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("RECIPEBOX_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("RECIPEBOX_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("RECIPEBOX_DB_CACHE_SIZE", -16000), // ~16MB
		ForeignKeys:     getEnvBool("RECIPEBOX_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("RECIPEBOX_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("RECIPEBOX_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("RECIPEBOX_LOG_LEVEL", "info"),
		Format:     getEnvString("RECIPEBOX_LOG_FORMAT", "text"),
		Output:     getEnvString("RECIPEBOX_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("RECIPEBOX_LOG_ADD_SOURCE", true),
		TimeFormat: getTimeFormat(getEnvString("RECIPEBOX_LOG_TIME_FORMAT", "RFC3339")),
		MaxSizeMB:  getEnvInt("RECIPEBOX_LOG_MAX_SIZE_MB", 10),
		MaxBackups: getEnvInt("RECIPEBOX_LOG_MAX_BACKUPS", 3),
	}

	cfg.Server = ServerConfig{
		URL:               getEnvString("RECIPEBOX_SERVER_URL", "http://localhost:8080"),
		Token:             getEnvString("RECIPEBOX_SERVER_TOKEN", ""),
		Timeout:           getEnvDuration("RECIPEBOX_SERVER_TIMEOUT", 15*time.Second),
		DeviceName:        getEnvString("RECIPEBOX_SERVER_DEVICE_NAME", ""),
		MaxRetries:        getEnvInt("RECIPEBOX_SERVER_MAX_RETRIES", 0),
		RequestsPerMinute: getEnvInt("RECIPEBOX_SERVER_REQUESTS_PER_MINUTE", 120),
		BurstLimit:        getEnvInt("RECIPEBOX_SERVER_BURST_LIMIT", 10),
	}

	cfg.Sync = SyncConfig{
		Interval:          getEnvDuration("RECIPEBOX_SYNC_INTERVAL", 30*time.Minute),
		BackoffSeed:       getEnvDuration("RECIPEBOX_SYNC_BACKOFF_SEED", 30*time.Second),
		BackoffMultiplier: getEnvFloat("RECIPEBOX_SYNC_BACKOFF_MULTIPLIER", 2.0),
		BackoffCap:        getEnvDuration("RECIPEBOX_SYNC_BACKOFF_CAP", 30*time.Minute),
		MaxAttempts:       getEnvInt("RECIPEBOX_SYNC_MAX_ATTEMPTS", 0),
		RunTimeout:        getEnvDuration("RECIPEBOX_SYNC_RUN_TIMEOUT", 10*time.Minute),
	}

	cfg.Connectivity = ConnectivityConfig{
		ProbeAddress:  getEnvString("RECIPEBOX_CONNECTIVITY_PROBE_ADDRESS", ""),
		ProbeInterval: getEnvDuration("RECIPEBOX_CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
		ProbeTimeout:  getEnvDuration("RECIPEBOX_CONNECTIVITY_PROBE_TIMEOUT", 3*time.Second),
		StateFile:     getEnvString("RECIPEBOX_CONNECTIVITY_STATE_FILE", ""),
	}

	cfg.Device = DeviceConfig{
		BatteryPath:   getEnvString("RECIPEBOX_DEVICE_BATTERY_PATH", "/sys/class/power_supply/BAT0/capacity"),
		CriticalLevel: getEnvInt("RECIPEBOX_DEVICE_CRITICAL_LEVEL", 5),
	}

	return cfg, cfg.Validate()
}
