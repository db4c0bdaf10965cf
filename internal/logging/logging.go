// Package logging configures the slog loggers tagtime commands write to.
//
// Records carry a component and, for merges and imports, a run ID that is
// also stored with the merge history. Attributes whose key looks like a
// credential are redacted, so Beeminder tokens never reach a log file.
// File output rotates by size and by day.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stderr", "stdout", "file", "both" (stderr and FilePath)
	// or a path to log to.
	Output string

	// Writer, when set, receives all output and Output is ignored.
	Writer io.Writer

	FilePath string

	// Rotation: MaxSize in megabytes, MaxAge in days (zero keeps rotated
	// files forever).
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	Component string
}

// DefaultConfig returns the configuration used when no config file sets
// logging options.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxSize:    10,
		MaxAge:     30,
		MaxBackups: 3,
		Compress:   true,
		Component:  "tagtime",
	}
}

// Logger is a slog.Logger that owns the file it may write to. Loggers
// derived with WithRunID or WithComponent share that file.
type Logger struct {
	*slog.Logger
	out *output
}

// output is the rotating file behind a logger tree, if any.
type output struct {
	mu      sync.Mutex
	rotator *FileRotator
}

// New builds a logger from cfg, or from DefaultConfig when cfg is nil.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := &output{}
	w, err := out.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: redact}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(h), out: out}, nil
}

func (o *output) open(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "file":
		return o.openFile(cfg, cfg.FilePath)
	case "both":
		f, err := o.openFile(cfg, cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stderr, f), nil
	default:
		return o.openFile(cfg, cfg.Output)
	}
}

func (o *output) openFile(cfg *Config, path string) (io.Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	fc := *cfg
	fc.FilePath = path
	r, err := NewFileRotator(&fc)
	if err != nil {
		return nil, err
	}
	o.rotator = r
	return r, nil
}

var sensitiveKeys = []string{
	"password", "secret", "token", "credential",
	"auth", "cookie", "api_key", "apikey", "bearer",
}

// shouldRedact reports whether an attribute key names a credential.
func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String(key, value)), out: l.out}
}

// WithRunID tags records with the run they belong to.
func (l *Logger) WithRunID(id string) *Logger { return l.with("run_id", id) }

// WithComponent replaces the component attribute.
func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

// WithContext applies the run ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RunIDFromContext(ctx); id != "" {
		return l.WithRunID(id)
	}
	return l
}

// NewRunID returns a fresh run ID.
func NewRunID() string {
	return uuid.NewString()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	return l.out.do((*FileRotator).Close)
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	return l.out.do((*FileRotator).Sync)
}

func (o *output) do(fn func(*FileRotator) error) error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rotator == nil {
		return nil
	}
	return fn(o.rotator)
}

type runIDKey struct{}

// ContextWithRunID returns a context carrying id.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run ID carried by ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

var levelNames = []struct {
	name  string
	level Level
}{
	{"debug", LevelDebug},
	{"info", LevelInfo},
	{"warn", LevelWarn},
	{"error", LevelError},
}

// ParseLevel parses debug, info, warn (or warning) and error, ignoring case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(s)
	if s == "warning" {
		s = "warn"
	}
	for _, n := range levelNames {
		if n.name == s {
			return n.level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// LevelString is the inverse of ParseLevel. Unknown levels read as "info".
func LevelString(level Level) string {
	for _, n := range levelNames {
		if n.level == level {
			return n.name
		}
	}
	return "info"
}

// ParseFormat parses "text" (the default for "") or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}
