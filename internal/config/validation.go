package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"tagtime/internal/schedule"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError describes one problem with a configuration field.
// Warnings do not prevent the configuration from being used.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the problem is non-fatal.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (e ValidationErrors) filter(warning bool) ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.Warning == warning {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns only the warnings.
func (e ValidationErrors) Warnings() ValidationErrors { return e.filter(true) }

// Errors returns only the fatal problems.
func (e ValidationErrors) Errors() ValidationErrors { return e.filter(false) }

// HasErrors reports whether any problem is fatal.
func (e ValidationErrors) HasErrors() bool { return len(e.Errors()) > 0 }

// isFatal reports whether a validation result contains anything beyond
// warnings.
func isFatal(err error) bool {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs.HasErrors()
	}
	return err != nil
}

// checker accumulates problems while walking a Config.
type checker struct {
	errs ValidationErrors
}

func (c *checker) fail(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (c *checker) oneOf(field, value string, valid ...string) {
	for _, v := range valid {
		if value == v {
			return
		}
	}
	c.fail(field, "invalid value %q (valid: %s)", value, strings.Join(valid, ", "))
}

func (c *checker) nonNegative(field string, v int64) {
	if v < 0 {
		c.fail(field, "cannot be negative")
	}
}

// ValidateConfig checks every section of c. The result is nil, or a
// ValidationErrors that may hold only warnings.
func ValidateConfig(c *Config) error {
	var v checker

	if c.Version < 1 || c.Version > Version {
		v.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	// Schedule
	if c.Schedule.Seed <= 0 || c.Schedule.Seed >= schedule.IM {
		v.fail("schedule.seed", "value must be between 1 and %d", schedule.IM-1)
	}
	if c.Schedule.GapSeconds < 1 {
		v.fail("schedule.gap_seconds", "gap must be at least one second")
	}

	// Merge
	v.oneOf("merge.on_mismatch", c.Merge.OnMismatch, "abort", "warn")
	if c.Merge.UnschedThreshold > 1 {
		v.fail("merge.unsched_threshold", "threshold cannot exceed 1 (use a negative value to disable)")
	}

	// Storage; a missing directory is created on first use.
	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			v.fail("storage.path", "database path is required when storage is enabled")
		} else if dir := filepath.Dir(expandPath(c.Storage.Path)); isFile(dir) {
			v.fail("storage.path", "parent path is not a directory: %s", dir)
		}
		v.nonNegative("storage.busy_timeout_ms", int64(c.Storage.BusyTimeoutMs))
	}

	// Watch; logs named here may be created after the config.
	for i, path := range c.Watch.Paths {
		field := fmt.Sprintf("watch.paths[%d]", i)
		expanded := expandPath(path)
		if expanded == "" {
			v.warn(field, "path cannot be empty")
		} else if _, err := os.Stat(expanded); os.IsNotExist(err) {
			v.warn(field, "log does not exist yet")
		}
	}
	if d := c.Watch.DebounceMs; d < 100 || d > 60000 {
		v.fail("watch.debounce_ms", "debounce must be between 100 and 60000 ms")
	}
	v.nonNegative("watch.max_file_size", c.Watch.MaxFileSize)
	if c.Watch.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Watch.Listen); err != nil {
			v.fail("watch.listen", "invalid listen address: %v", err)
		}
	}
	v.nonNegative("watch.stale_after_minutes", int64(c.Watch.StaleAfterMinutes))

	// Logging
	v.oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error")
	v.oneOf("logging.format", c.Logging.Format, "text", "json")
	switch c.Logging.Output {
	case "":
		v.fail("logging.output", "log output is required")
	case "file", "both":
		if c.Logging.FilePath == "" {
			v.fail("logging.file_path", "file path is required when output is %q", c.Logging.Output)
		}
	}
	if c.Logging.MaxSizeMB < 1 {
		v.fail("logging.max_size_mb", "max size must be at least 1 MB")
	}
	v.nonNegative("logging.max_backups", int64(c.Logging.MaxBackups))

	// Beeminder
	if u, err := url.Parse(c.Beeminder.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		v.fail("beeminder.base_url", "invalid URL: %q", c.Beeminder.BaseURL)
	}
	if c.Beeminder.RetryAttempts < 1 {
		v.fail("beeminder.retry_attempts", "at least one attempt is required")
	}
	v.nonNegative("beeminder.retry_delay_ms", int64(c.Beeminder.RetryDelayMs))
	if c.Beeminder.TimeoutSec < 1 {
		v.fail("beeminder.timeout_sec", "timeout must be at least 1 second")
	}

	// Notify
	v.oneOf("notify.backend", c.Notify.Backend, "stdout", "dbus")
	for i, r := range c.Notify.Recipients {
		if strings.TrimSpace(r) == "" {
			v.fail(fmt.Sprintf("notify.recipients[%d]", i), "recipient cannot be empty")
		}
	}
	v.nonNegative("notify.pause_ms", int64(c.Notify.PauseMs))

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func expandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
