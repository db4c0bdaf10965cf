// tagtime is the command-line tool for TagTime ping logs.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tagtime/internal/config"
	"tagtime/internal/logging"
	"tagtime/internal/merge"
	"tagtime/internal/pinglog"
	"tagtime/internal/store"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitMismatch = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `tagtime - TagTime ping log tool

Usage: tagtime [options] <command> [args]

Commands:
  merge <target_log> [<reference_log>]
                      Fill missing pings and flag unscheduled ones
  next [-n N] [time]  Print the next scheduled pings after time
  prev [time]         Print the last scheduled ping before time
  schedule <from> <to>
                      Print every scheduled ping in a range
  import <log>...     Index logs in the ping database
  watch [-listen addr] [<log>...]
                      Index logs whenever they change
  history             Show recent merge runs
  status              Show configuration and index statistics
  submit COMMAND ORIGIN USER GOAL < datapoints
                      Post datapoints (create_all, tagtime_update)
  tally -tag T [-submit GOAL] <log>
                      Turn a log into daily datapoints
  notify < text       Relay text to the configured recipients
  init                Write a default config file
  help                Show this help message

Times are unix seconds, RFC 3339, or "now".

Options:
  -config <path>  Path to config file (default: platform data dir/config.toml)`)
}

// usageError is reported with exit code 1 and no "Error:" prefix.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// env carries what every command needs.
type env struct {
	configPath string
	cfg        *config.Config
	logger     *logging.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

type command func(e *env, args []string) error

var commands = map[string]command{
	"merge":    cmdMerge,
	"next":     cmdNext,
	"prev":     cmdPrev,
	"schedule": cmdSchedule,
	"import":   cmdImport,
	"watch":    cmdWatch,
	"history":  cmdHistory,
	"status":   cmdStatus,
	"submit":   cmdSubmit,
	"tally":    cmdTally,
	"notify":   cmdNotify,
	"init":     cmdInit,
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tagtime", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitError
	}

	if fs.NArg() < 1 {
		usage(stderr)
		return exitError
	}

	name := fs.Arg(0)
	switch name {
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", name)
		usage(stderr)
		return exitError
	}

	e := &env{
		configPath: *configPath,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		now:        time.Now,
	}
	if name != "init" {
		if err := e.setup(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		defer e.logger.Close()
	}

	return e.exitCode(cmd(e, fs.Args()[1:]))
}

func (e *env) exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var ue *usageError
	switch {
	case errors.As(err, &ue):
		if ue.msg != "" {
			fmt.Fprintln(e.stderr, ue.msg)
		}
		return exitError
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, merge.ErrScheduleMismatch):
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return exitMismatch
	default:
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return exitError
	}
}

// setup loads and validates the configuration and builds the logger.
func (e *env) setup() error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var warnings config.ValidationErrors
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) || verrs.HasErrors() {
			return err
		}
		warnings = verrs.Warnings()
	}

	logger, err := logging.New(e.loggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("config", "field", w.Field, "message", w.Message)
	}

	e.cfg = cfg
	e.logger = logger
	return nil
}

func (e *env) loggingConfig(lc config.LoggingConfig) *logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(lc.Level); err == nil {
		cfg.Level = level
	}
	if format, err := logging.ParseFormat(lc.Format); err == nil {
		cfg.Format = format
	}
	cfg.Output = lc.Output
	cfg.FilePath = lc.FilePath
	if lc.MaxSizeMB > 0 {
		cfg.MaxSize = int64(lc.MaxSizeMB)
	}
	cfg.MaxBackups = lc.MaxBackups
	cfg.Compress = lc.Compress

	switch strings.ToLower(lc.Output) {
	case "", "stderr":
		cfg.Writer = e.stderr
	case "stdout":
		cfg.Writer = e.stdout
	}
	return cfg
}

// openStore opens the ping index, or returns nil when storage is disabled.
func (e *env) openStore() (*store.Store, error) {
	if !e.cfg.Storage.Enabled {
		return nil, nil
	}
	busy := time.Duration(e.cfg.Storage.BusyTimeoutMs) * time.Millisecond
	s, err := store.OpenWithBusyTimeout(e.cfg.DatabasePath(), busy)
	if err != nil {
		return nil, fmt.Errorf("open ping index: %w", err)
	}
	return s, nil
}

func (e *env) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// parseFlags maps flag errors to usage errors; the flag package has
// already printed the details.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{}
	}
	return nil
}

// readLog reads a log and logs its parse warnings.
func (e *env) readLog(path string) (pinglog.Log, error) {
	log, warnings, err := pinglog.ReadFile(path)
	for _, w := range warnings {
		e.logger.Warn("skipped log line", "path", w.Path, "line", w.Line, "error", w.Err)
	}
	return log, err
}

// parseTime accepts unix seconds, RFC 3339 or "now".
func parseTime(s string, now time.Time) (int64, error) {
	if s == "" || strings.EqualFold(s, "now") {
		return now.Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	return 0, fmt.Errorf("invalid time %q (want unix seconds, RFC 3339 or \"now\")", s)
}
