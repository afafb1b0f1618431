package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Database     DatabaseConfig
	Logging      LoggingConfig
	Server       ServerConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Device       DeviceConfig
	configDir    string // Internal: Directory where config was loaded from
}

// DatabaseConfig represents database configuration
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
	MaxSizeMB  int    // Rotate the log file after this many megabytes
	MaxBackups int    // Number of rotated log files to keep
}

// ServerConfig holds configuration for the remote recipe service
type ServerConfig struct {
	URL               string        // Base URL of the recipe API
	Token             string        // Bearer token
	Timeout           time.Duration // Per-request timeout
	DeviceName        string        // Sent as X-Device-Name
	MaxRetries        int           // Extra attempts for transient errors within one call
	RequestsPerMinute int
	BurstLimit        int
}

// SyncConfig controls when the scheduler runs the sync engine
type SyncConfig struct {
	Interval          time.Duration // Periodic trigger
	BackoffSeed       time.Duration // First retry delay after a failed run
	BackoffMultiplier float64
	BackoffCap        time.Duration
	MaxAttempts       int           // Dead-letter threshold, 0 means unlimited
	RunTimeout        time.Duration // Upper bound for a single run
}

// ConnectivityConfig configures how online state is detected
type ConnectivityConfig struct {
	ProbeAddress  string        // host:port dialled to test reachability, derived from Server.URL when empty
	ProbeInterval time.Duration // Poll interval
	ProbeTimeout  time.Duration // Dial timeout
	StateFile     string        // Optional platform-written state file, takes precedence over probing
}

// DeviceConfig describes device constraints checked before a run
type DeviceConfig struct {
	BatteryPath   string // sysfs capacity file, empty disables the check
	CriticalLevel int    // Percent at or below which runs are skipped
}

// New returns a new empty Config
func New() *Config {
	return &Config{
		Database:     DatabaseConfig{},
		Logging:      LoggingConfig{},
		Server:       ServerConfig{},
		Sync:         SyncConfig{},
		Connectivity: ConnectivityConfig{},
		Device:       DeviceConfig{},
	}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateConnectivity(); err != nil {
		return fmt.Errorf("connectivity config: %w", err)
	}

	if err := c.validateDevice(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(c.Database.Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	if err := checkDirectoryWritable(dir); err != nil {
		return fmt.Errorf("database directory: %w", err)
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits cannot be negative")
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server URL cannot be empty")
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server URL: %s", c.Server.URL)
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Server.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if c.Server.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive")
	}

	if c.Server.BurstLimit <= 0 {
		return fmt.Errorf("burst_limit must be positive")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	if c.Sync.BackoffSeed <= 0 {
		return fmt.Errorf("backoff seed must be positive")
	}

	if c.Sync.BackoffMultiplier <= 1 {
		return fmt.Errorf("backoff multiplier must be greater than 1")
	}

	if c.Sync.BackoffCap < c.Sync.BackoffSeed {
		return fmt.Errorf("backoff cap must not be below the seed")
	}

	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}

	if c.Sync.RunTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive")
	}

	return nil
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	if c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}

	if c.Connectivity.ProbeAddress == "" && c.Connectivity.StateFile == "" {
		addr, err := ProbeAddressFromURL(c.Server.URL)
		if err != nil {
			return err
		}
		c.Connectivity.ProbeAddress = addr
	}

	return nil
}

func (c *Config) validateDevice() error {
	if c.Device.CriticalLevel < 0 || c.Device.CriticalLevel > 100 {
		return fmt.Errorf("critical level must be between 0 and 100")
	}
	return nil
}

// ProbeAddressFromURL derives a dialable host:port from a base URL
func ProbeAddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cannot derive probe address from %q", raw)
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return u.Hostname() + ":" + port, nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 from the environment variable
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getTimeFormat converts a named time format to its layout string
func getTimeFormat(name string) string {
	switch name {
	case "RFC3339":
		return time.RFC3339
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "Kitchen":
		return time.Kitchen
	case "Stamp":
		return time.Stamp
	case "StampMilli":
		return time.StampMilli
	case "DateTime":
		return time.DateTime
	case "DateTimeMS":
		return "2006-01-02 15:04:05.000"
	default:
		return name
	}
}

// checkDirectoryWritable tests if a directory is writable
func checkDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, fmt.Sprintf("test_write_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	f.Close()
	os.Remove(testFile)

	return nil
}
