// Package config holds the typed configuration surface consumed read-only
// by the rest of the process.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the application configuration
type Config struct {
	// History settings (query ring, overtime window, GC)
	History HistoryConfig `toml:"history"`

	// Database (SQL mirror) settings
	Database DatabaseConfig `toml:"database"`

	// DNS client rate limiting
	RateLimit RateLimitConfig `toml:"rate_limit"`

	// HTTP API and sessions
	API APIConfig `toml:"api"`

	// Resource checks performed by the housekeeper
	Checks ChecksConfig `toml:"checks"`

	// Logging
	Logging LoggingConfig `toml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// HistoryConfig controls how much query history is kept in memory
type HistoryConfig struct {
	// MaxHistory is the sliding window covered by the in-memory ring and
	// the overtime buckets, in seconds.
	MaxHistory uint `toml:"max_history"`
	// RingCapacity is the maximum number of query records held in memory.
	RingCapacity uint `toml:"ring_capacity"`
	// GCInterval is the cadence of the garbage collector, in seconds.
	GCInterval uint `toml:"gc_interval"`
}

// DatabaseConfig holds SQL mirror settings
type DatabaseConfig struct {
	// Path of the on-disk long-term database. Empty disables persistence.
	Path string `toml:"path"`
	// FlushInterval is how often dirty queries are written to the
	// in-memory mirror, in seconds.
	FlushInterval uint `toml:"flush_interval"`
	// DiskInterval is how often the in-memory mirror is exported to the
	// on-disk database, in seconds.
	DiskInterval uint `toml:"disk_interval"`
	// MaxDBDays is the on-disk retention, in days.
	MaxDBDays uint `toml:"max_db_days"`
	// BusyTimeout in milliseconds applied via PRAGMA.
	BusyTimeout uint `toml:"busy_timeout"`
}

// RateLimitConfig holds per-client DNS rate limiting settings
type RateLimitConfig struct {
	// Count is the number of queries allowed per Interval. Zero disables
	// rate limiting.
	Count uint `toml:"count"`
	// Interval is the window length in seconds.
	Interval uint `toml:"interval"`
	// ReplyWhenBusy selects the verdict handed to rate-limited clients
	// and to queries hitting a busy database: REFUSE, NODATA, NXDOMAIN
	// or DROP.
	ReplyWhenBusy string `toml:"reply_when_busy"`
}

// APIConfig holds HTTP API and session settings
type APIConfig struct {
	ListenAddress string `toml:"listen_address"`
	// PasswordHash is the bcrypt hash of the admin password. Empty
	// disables authentication.
	PasswordHash string `toml:"password_hash"`
	// AppPasswordHash is an optional second hash used by applications;
	// logins against it skip TOTP.
	AppPasswordHash string `toml:"app_password_hash"`
	// TOTPSecret enables two-factor authentication when non-empty.
	TOTPSecret string `toml:"totp_secret"`
	// SessionTimeout is the sliding session validity in seconds.
	SessionTimeout uint `toml:"session_timeout"`
	// MaxSessions is the fixed size of the session table.
	MaxSessions uint `toml:"max_sessions"`
	// LocalAPIAuth requires authentication even from loopback sources.
	LocalAPIAuth bool `toml:"local_api_auth"`
	// PrivacyLevel progressively suppresses API detail (0-3).
	PrivacyLevel int `toml:"privacy_level"`
	// MaxSuggestions caps the suggestion arrays returned for autocomplete.
	MaxSuggestions int `toml:"max_suggestions"`
}

// ChecksConfig holds resource check settings
type ChecksConfig struct {
	// Load enables the 15-minute load average check.
	Load bool `toml:"load"`
	// Disk is the usage percentage above which a shortage is logged.
	// Zero disables the check.
	Disk uint `toml:"disk"`
	// LogFile is the secondary path probed for disk usage.
	LogFile string `toml:"log_file"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `toml:"level"`      // debug, info, warn, error
	Format    string `toml:"format"`     // json, text
	Output    string `toml:"output"`     // stdout, stderr, file
	FilePath  string `toml:"file_path"`  // if output=file
	AddSource bool   `toml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	ServiceVersion    string `toml:"service_version"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusPort    int    `toml:"prometheus_port"`
}

// Privacy levels. Higher levels suppress more API detail.
const (
	PrivacyShowAll = iota
	PrivacyHideDomains
	PrivacyHideDomainsClients
	PrivacyMaximum
)

// Load loads the configuration from a TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// History defaults: 24h window, 10 minute GC cadence
	if c.History.MaxHistory == 0 {
		c.History.MaxHistory = 24 * 60 * 60
	}
	if c.History.RingCapacity == 0 {
		c.History.RingCapacity = 1 << 16
	}
	if c.History.GCInterval == 0 {
		c.History.GCInterval = 600
	}

	// Database defaults
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = 60
	}
	if c.Database.DiskInterval == 0 {
		c.Database.DiskInterval = 300
	}
	if c.Database.MaxDBDays == 0 {
		c.Database.MaxDBDays = 365
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5000
	}

	// Rate limit defaults: 1000 queries per minute
	if c.RateLimit.Count == 0 && c.RateLimit.Interval == 0 {
		c.RateLimit.Count = 1000
		c.RateLimit.Interval = 60
	}
	if c.RateLimit.ReplyWhenBusy == "" {
		c.RateLimit.ReplyWhenBusy = "REFUSE"
	}

	// API defaults
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.API.SessionTimeout == 0 {
		c.API.SessionTimeout = 300
	}
	if c.API.MaxSessions == 0 {
		c.API.MaxSessions = 16
	}
	if c.API.MaxSuggestions == 0 {
		c.API.MaxSuggestions = 10
	}

	// Checks defaults
	if c.Checks.Disk == 0 {
		c.Checks.Disk = 90
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "querywatch"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.History.RingCapacity == 0 {
		return fmt.Errorf("history.ring_capacity cannot be zero")
	}
	if c.History.GCInterval == 0 || c.History.GCInterval > c.History.MaxHistory {
		return fmt.Errorf("history.gc_interval must be in (0, max_history]")
	}

	switch c.RateLimit.ReplyWhenBusy {
	case "REFUSE", "NODATA", "NXDOMAIN", "DROP":
	default:
		return fmt.Errorf("invalid rate_limit.reply_when_busy: %s (must be REFUSE, NODATA, NXDOMAIN, or DROP)", c.RateLimit.ReplyWhenBusy)
	}

	if c.API.PrivacyLevel < PrivacyShowAll || c.API.PrivacyLevel > PrivacyMaximum {
		return fmt.Errorf("invalid api.privacy_level: %d (must be 0-3)", c.API.PrivacyLevel)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// SessionDuration returns the session timeout as a time.Duration
func (c *APIConfig) SessionDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}
