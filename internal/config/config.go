package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Log source kinds
const (
	SourcePostgres = "postgres"
	SourceLocal    = "local"
)

// Config holds all application configuration
type Config struct {
	// Log configuration
	LogLevel string

	// Monitored server
	Postgres PostgresConfig

	// Where log files are listed and read from
	LogSource LogSourceConfig

	Stream StreamConfig
	Safety SafetyConfig

	// Session journal
	Journal JournalConfig

	// Server Configuration
	Server ServerConfig
}

// PostgresConfig contains the monitored server connection settings
type PostgresConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	SSLMode        string
	ConnectTimeout time.Duration
}

// LogSourceConfig selects the listing/reader collaborators
type LogSourceConfig struct {
	Kind     string // postgres or local
	Dir      string // local log directory, auto-discovered when empty
	PGSubdir string // path prefix for pg_read_binary_file
}

// StreamConfig contains poll loop and feed settings
type StreamConfig struct {
	PollInterval         time.Duration
	SafetyInterval       time.Duration
	MaxReadBytes         int64
	LocatorRetries       int
	LocatorBackoff       time.Duration
	FeedCapacity         int
	FeedScope            string
	SuppressHousekeeping bool
}

// SafetyConfig contains the circuit breaker thresholds
type SafetyConfig struct {
	InactivityTimeout time.Duration
	SessionTimeout    time.Duration
	VolumeWindow      time.Duration
	VolumeLimitBytes  int64
	DiskMinFree       float64
	DiskProbePath     string // empty = log dir for the local source, disabled for the postgres source
}

// JournalConfig contains session journal settings
type JournalConfig struct {
	Path                   string
	RetentionDays          int // 0 = keep forever
	CleanupInterval        time.Duration
	AutoRecover            bool
	PoolMonitoringInterval time.Duration
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Host       string
	Port       int
	Production bool
}

// Load reads configuration from .env file and environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Postgres: PostgresConfig{
			Host:           getEnv("PG_HOST", "localhost"),
			Port:           getEnvAsInt("PG_PORT", 5432),
			Database:       getEnv("PG_DATABASE", "postgres"),
			User:           getEnv("PG_USER", "postgres"),
			Password:       getEnv("PG_PASSWORD", ""),
			SSLMode:        getEnv("PG_SSLMODE", "disable"),
			ConnectTimeout: getEnvAsDuration("PG_CONNECT_TIMEOUT", 10*time.Second),
		},
		LogSource: LogSourceConfig{
			Kind:     strings.ToLower(getEnv("LOG_SOURCE", SourcePostgres)),
			Dir:      getEnv("LOG_DIR", ""),
			PGSubdir: getEnv("PG_LOG_SUBDIR", "log"),
		},
		Stream: StreamConfig{
			PollInterval:         getEnvAsDuration("POLL_INTERVAL", 300*time.Millisecond),
			SafetyInterval:       getEnvAsDuration("SAFETY_INTERVAL", time.Second),
			MaxReadBytes:         getEnvAsInt64("MAX_READ_BYTES", 1024*1024),
			LocatorRetries:       getEnvAsInt("LOCATOR_RETRIES", 3),
			LocatorBackoff:       getEnvAsDuration("LOCATOR_BACKOFF", 50*time.Millisecond),
			FeedCapacity:         getEnvAsInt("FEED_CAPACITY", 1000),
			FeedScope:            strings.ToLower(getEnv("FEED_SCOPE", "current")),
			SuppressHousekeeping: getEnvAsBool("SUPPRESS_HOUSEKEEPING", true),
		},
		Safety: SafetyConfig{
			InactivityTimeout: getEnvAsDuration("INACTIVITY_TIMEOUT", 10*time.Minute),
			SessionTimeout:    getEnvAsDuration("SESSION_TIMEOUT", time.Hour),
			VolumeWindow:      getEnvAsDuration("VOLUME_WINDOW", time.Minute),
			VolumeLimitBytes:  getEnvAsInt64("VOLUME_LIMIT_BYTES", 100*1024*1024),
			DiskMinFree:       getEnvAsFloat("DISK_MIN_FREE", 0.10),
			DiskProbePath:     getEnv("DISK_PROBE_PATH", ""),
		},
		Journal: JournalConfig{
			Path:                   getEnv("JOURNAL_PATH", "pgstream.db"),
			RetentionDays:          getEnvAsInt("JOURNAL_RETENTION_DAYS", 30),
			CleanupInterval:        getEnvAsDuration("JOURNAL_CLEANUP_INTERVAL", 24*time.Hour),
			AutoRecover:            getEnvAsBool("AUTO_RECOVER", true),
			PoolMonitoringInterval: getEnvAsDuration("POOL_MONITOR_INTERVAL", 30*time.Second),
		},
		Server: ServerConfig{
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			Port:       getEnvAsInt("SERVER_PORT", 8080),
			Production: getEnvAsBool("SERVER_PRODUCTION", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	switch c.LogSource.Kind {
	case SourcePostgres, SourceLocal:
	default:
		return fmt.Errorf("LOG_SOURCE must be %q or %q, got %q", SourcePostgres, SourceLocal, c.LogSource.Kind)
	}
	switch c.Stream.FeedScope {
	case "current", "all":
	default:
		return fmt.Errorf("FEED_SCOPE must be \"current\" or \"all\", got %q", c.Stream.FeedScope)
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Stream.SafetyInterval <= 0 {
		return fmt.Errorf("SAFETY_INTERVAL must be positive")
	}
	if c.Stream.MaxReadBytes <= 0 {
		return fmt.Errorf("MAX_READ_BYTES must be positive")
	}
	if c.Safety.DiskMinFree < 0 || c.Safety.DiskMinFree >= 1 {
		return fmt.Errorf("DISK_MIN_FREE must be in [0, 1), got %v", c.Safety.DiskMinFree)
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return fmt.Errorf("PG_PORT out of range: %d", c.Postgres.Port)
	}
	return nil
}

// Helper functions to read environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
