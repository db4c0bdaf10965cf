// Package config handles configuration loading, validation, and management for tagtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tagtime/internal/schedule"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete tagtime configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Schedule parameters. Every client sharing a log must agree on these.
	Schedule ScheduleConfig `toml:"schedule" json:"schedule" yaml:"schedule"`

	// Merge policy.
	Merge MergeConfig `toml:"merge" json:"merge" yaml:"merge"`

	// Storage configuration for the ping index.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Watch configuration for log monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Beeminder datapoint submission.
	Beeminder BeeminderConfig `toml:"beeminder" json:"beeminder" yaml:"beeminder"`

	// Notify relay configuration.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`
}

// ScheduleConfig holds the ping schedule parameters.
type ScheduleConfig struct {
	// Seed is the initial generator seed, in (0, 2^31-1).
	Seed int64 `toml:"seed" json:"seed" yaml:"seed"`

	// GapSeconds is the mean time between pings.
	GapSeconds int `toml:"gap_seconds" json:"gap_seconds" yaml:"gap_seconds"`
}

// Gap returns the mean gap as a duration.
func (s ScheduleConfig) Gap() time.Duration {
	return time.Duration(s.GapSeconds) * time.Second
}

// New builds the schedule described by the configuration.
func (s ScheduleConfig) New() (*schedule.Schedule, error) {
	return schedule.New(s.Seed, s.Gap())
}

// MergeConfig holds log merge configuration.
type MergeConfig struct {
	// UnschedThreshold is the tolerated fraction of unscheduled entries
	// relative to scheduled pings. Zero uses the default 0.05; negative
	// disables the check.
	UnschedThreshold float64 `toml:"unsched_threshold" json:"unsched_threshold" yaml:"unsched_threshold"`

	// OnMismatch is "abort" or "warn".
	OnMismatch string `toml:"on_mismatch" json:"on_mismatch" yaml:"on_mismatch"`

	// ReportDir receives a JSON report per merge run when set.
	ReportDir string `toml:"report_dir" json:"report_dir" yaml:"report_dir"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Enabled records imports and merge runs in the ping index.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// WatchConfig holds log watching configuration.
type WatchConfig struct {
	// Paths are log files imported by "tagtime watch" when none are given.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// DebounceMs is the debounce interval in milliseconds.
	// Logs must be stable for this duration before they are imported.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MaxFileSize is the maximum log size to import in bytes.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// Listen is the address serving health and metrics endpoints while
	// watching, e.g. "127.0.0.1:9466". Empty disables the listener.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// StaleAfterMinutes degrades health when no log was imported for this
	// long. Zero disables the freshness check.
	StaleAfterMinutes int `toml:"stale_after_minutes" json:"stale_after_minutes" yaml:"stale_after_minutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// BeeminderConfig holds datapoint submission configuration.
type BeeminderConfig struct {
	// BaseURL is the API root, e.g. https://www.beeminder.com/api/v1/users.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// User is the default account.
	User string `toml:"user" json:"user" yaml:"user"`

	// AuthToken is sent as auth_token (use env var TAGTIME_BEEMINDER_TOKEN).
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`

	// Origin labels submitted datapoints.
	Origin string `toml:"origin" json:"origin" yaml:"origin"`

	// RetryAttempts is the number of submission attempts.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelayMs is the delay between attempts.
	RetryDelayMs int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`

	// TimeoutSec bounds a single request.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// NotifyConfig holds notification relay configuration.
type NotifyConfig struct {
	// Backend is "stdout" or "dbus".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Recipients receive every relayed message.
	Recipients []string `toml:"recipients" json:"recipients" yaml:"recipients"`

	// PauseMs is the pause between deliveries.
	PauseMs int `toml:"pause_ms" json:"pause_ms" yaml:"pause_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := TagtimeDir()

	return &Config{
		Version: Version,
		Schedule: ScheduleConfig{
			Seed:       schedule.DefaultSeed,
			GapSeconds: int(schedule.DefaultGap / time.Second),
		},
		Merge: MergeConfig{
			UnschedThreshold: 0.05,
			OnMismatch:       "abort",
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "pings.db"),
			BusyTimeoutMs: 5000,
		},
		Watch: WatchConfig{
			Paths:       []string{},
			DebounceMs:  2000,
			MaxFileSize: 64 * 1024 * 1024, // 64MB
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "tagtime.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		Beeminder: BeeminderConfig{
			BaseURL:       "https://www.beeminder.com/api/v1/users",
			Origin:        "tagtime",
			RetryAttempts: 10,
			RetryDelayMs:  10000,
			TimeoutSec:    30,
		},
		Notify: NotifyConfig{
			Backend:    "stdout",
			Recipients: []string{},
			PauseMs:    200,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(TagtimeDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories holding state files.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(expandPath(c.Storage.Path)),
		c.Merge.ReportDir,
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(expandPath(c.Logging.FilePath)))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// TagtimeDir returns the base tagtime directory.
// Uses platform-specific paths or TAGTIME_DATA_DIR environment override.
func TagtimeDir() string {
	if envDir := os.Getenv("TAGTIME_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with TAGTIME_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Schedule overrides
	if v := os.Getenv("TAGTIME_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Schedule.Seed = seed
		}
	}
	if v := os.Getenv("TAGTIME_GAP"); v != "" {
		if gap, err := strconv.Atoi(v); err == nil {
			c.Schedule.GapSeconds = gap
		}
	}

	// Storage overrides
	if v := os.Getenv("TAGTIME_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("TAGTIME_WATCH_LISTEN"); v != "" {
		c.Watch.Listen = v
	}

	// Logging overrides
	if v := os.Getenv("TAGTIME_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TAGTIME_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Beeminder credentials from env
	if v := os.Getenv("TAGTIME_BEEMINDER_URL"); v != "" {
		c.Beeminder.BaseURL = v
	}
	if v := os.Getenv("TAGTIME_BEEMINDER_USER"); v != "" {
		c.Beeminder.User = v
	}
	if v := os.Getenv("TAGTIME_BEEMINDER_TOKEN"); v != "" {
		c.Beeminder.AuthToken = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Watch.Paths = append([]string{}, c.Watch.Paths...)
	clone.Notify.Recipients = append([]string{}, c.Notify.Recipients...)
	return &clone
}

// DebounceInterval returns the watch debounce as a duration.
func (c *Config) DebounceInterval() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// RetryDelay returns the delay between submission attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Beeminder.RetryDelayMs) * time.Millisecond
}

// NotifyPause returns the pause between relayed deliveries.
func (c *Config) NotifyPause() time.Duration {
	return time.Duration(c.Notify.PauseMs) * time.Millisecond
}

// DatabasePath returns the storage path with ~ expanded.
func (c *Config) DatabasePath() string {
	return expandPath(c.Storage.Path)
}
