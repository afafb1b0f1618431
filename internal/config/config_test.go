package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue float64
		expected     float64
	}{
		{
			name:         "env not set, return default",
			envValue:     "",
			defaultValue: 2.0,
			expected:     2.0,
		},
		{
			name:         "env set to 1.5, return 1.5",
			envValue:     "1.5",
			defaultValue: 2.0,
			expected:     1.5,
		},
		{
			name:         "env set to invalid value, return default",
			envValue:     "invalid",
			defaultValue: 2.0,
			expected:     2.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_FLOAT_VALUE"
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}

			assert.Equal(t, tt.expected, getEnvFloat(key, tt.defaultValue))
		})
	}
}

func TestGetEnvString(t *testing.T) {
	key := "TEST_STRING_VALUE"
	os.Unsetenv(key)
	assert.Equal(t, "default", getEnvString(key, "default"))

	t.Setenv(key, "custom")
	assert.Equal(t, "custom", getEnvString(key, "default"))
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue int
		expected     int
	}{
		{"env not set, return default", "", 100, 100},
		{"env set, return env value", "42", 100, 42},
		{"negative value", "-16000", 100, -16000},
		{"invalid value, return default", "forty", 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_INT_VALUE"
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}

			assert.Equal(t, tt.expected, getEnvInt(key, tt.defaultValue))
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		expected     bool
	}{
		{"env not set, return default", "", true, true},
		{"env set to false", "false", true, false},
		{"env set to 1", "1", false, true},
		{"invalid value, return default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VALUE"
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}

			assert.Equal(t, tt.expected, getEnvBool(key, tt.defaultValue))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue time.Duration
		expected     time.Duration
	}{
		{"env not set, return default", "", 30 * time.Minute, 30 * time.Minute},
		{"env set to 45s", "45s", 30 * time.Minute, 45 * time.Second},
		{"invalid value, return default", "soon", 30 * time.Minute, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_DURATION_VALUE"
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}

			assert.Equal(t, tt.expected, getEnvDuration(key, tt.defaultValue))
		})
	}
}

func TestNew(t *testing.T) {
	cfg := New()

	assert.NotNil(t, cfg)
	assert.Empty(t, cfg.Database.Path, "Database path should be empty")
	assert.Empty(t, cfg.Server.URL)
	assert.Zero(t, cfg.Sync.Interval)
	assert.Zero(t, cfg.Sync.MaxAttempts)
	assert.Empty(t, cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV_FILE_PATH", "")

	cfg, err := LoadFromEnv(dir, "")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ConfigDir())
	assert.Equal(t, filepath.Join(dir, "recipebox.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "recipebox.log"), cfg.Logging.Output)
	assert.Equal(t, "WAL", cfg.Database.JournalMode)

	assert.Equal(t, "http://localhost:8080", cfg.Server.URL)
	assert.Equal(t, 0, cfg.Server.MaxRetries)

	assert.Equal(t, 30*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffSeed)
	assert.Equal(t, 2.0, cfg.Sync.BackoffMultiplier)
	assert.Equal(t, 30*time.Minute, cfg.Sync.BackoffCap)
	assert.Equal(t, 0, cfg.Sync.MaxAttempts)

	assert.Equal(t, "localhost:8080", cfg.Connectivity.ProbeAddress, "probe address should be derived from the server URL")
	assert.Equal(t, 5, cfg.Device.CriticalLevel)
	assert.Equal(t, time.RFC3339, cfg.Logging.TimeFormat)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV_FILE_PATH", "")
	t.Setenv("RECIPEBOX_SERVER_URL", "https://recipes.example.com")
	t.Setenv("RECIPEBOX_SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("RECIPEBOX_SYNC_BACKOFF_SEED", "10s")

	cfg, err := LoadFromEnv(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "https://recipes.example.com", cfg.Server.URL)
	assert.Equal(t, "recipes.example.com:443", cfg.Connectivity.ProbeAddress)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Sync.BackoffSeed)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(envFile, []byte("RECIPEBOX_SYNC_INTERVAL=5m\n"), 0600))
	t.Setenv("ENV_FILE_PATH", envFile)
	// godotenv does not override variables that are already set, and
	// t.Setenv restores the previous state afterwards.
	t.Setenv("RECIPEBOX_SYNC_INTERVAL", "")
	os.Unsetenv("RECIPEBOX_SYNC_INTERVAL")

	cfg, err := LoadFromEnv(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)

	t.Setenv("ENV_FILE_PATH", filepath.Join(dir, "missing.env"))
	_, err = LoadFromEnv(dir, "")
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()

	cfg := New()
	cfg.Database = DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout:  5000,
		ConnMaxLife:  5 * time.Minute,
		QueryTimeout: 30 * time.Second,
	}
	cfg.Logging = LoggingConfig{Level: "info", Format: "text"}
	cfg.Server = ServerConfig{
		URL:               "http://localhost:8080",
		Timeout:           time.Second,
		RequestsPerMinute: 60,
		BurstLimit:        1,
	}
	cfg.Sync = SyncConfig{
		Interval:          30 * time.Minute,
		BackoffSeed:       30 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        30 * time.Minute,
		RunTimeout:        time.Minute,
	}
	cfg.Connectivity = ConnectivityConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second}
	cfg.Device = DeviceConfig{CriticalLevel: 5}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database config"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging config"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging config"},
		{"relative server url", func(c *Config) { c.Server.URL = "recipes" }, "server config"},
		{"negative retries", func(c *Config) { c.Server.MaxRetries = -1 }, "server config"},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, "sync config"},
		{"multiplier of one", func(c *Config) { c.Sync.BackoffMultiplier = 1 }, "sync config"},
		{"cap below seed", func(c *Config) { c.Sync.BackoffCap = time.Second }, "sync config"},
		{"negative max attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, "sync config"},
		{"zero probe timeout", func(c *Config) { c.Connectivity.ProbeTimeout = 0 }, "connectivity config"},
		{"critical level above 100", func(c *Config) { c.Device.CriticalLevel = 101 }, "device config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.section)
		})
	}
}

func TestProbeAddressFromURL(t *testing.T) {
	tests := []struct {
		url      string
		expected string
		wantErr  bool
	}{
		{"http://localhost:8080", "localhost:8080", false},
		{"https://recipes.example.com", "recipes.example.com:443", false},
		{"http://recipes.example.com/api", "recipes.example.com:80", false},
		{"not a url", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			addr, err := ProbeAddressFromURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, addr)
		})
	}
}

func TestParseLoglevel(t *testing.T) {
	tests := []struct {
		level  string
		expect slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"none", slog.Level(9999)},
		{"invalid", slog.LevelInfo}, // Default to info for invalid levels
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expect, ParseLogLevel(tt.level))
		})
	}
}

func TestCheckDirectoryWritable(t *testing.T) {
	assert.NoError(t, checkDirectoryWritable(t.TempDir()))
	assert.Error(t, checkDirectoryWritable("/path/that/does/not/exist"))
}

func TestSetupConfigDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recipebox")

	require.NoError(t, SetupConfigDirectory(dir, false))
	data, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "RECIPEBOX_SERVER_URL")

	// An existing file is kept when not backing up
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KEEP=1\n"), 0600))
	require.NoError(t, SetupConfigDirectory(dir, false))
	data, err = os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "KEEP=1\n", string(data))

	// and backed up before being replaced otherwise
	require.NoError(t, SetupConfigDirectory(dir, true))
	backups, err := filepath.Glob(filepath.Join(dir, ".env.*.bak"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
