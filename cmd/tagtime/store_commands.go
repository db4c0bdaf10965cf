package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"tagtime/internal/config"
	"tagtime/internal/logging"
	"tagtime/internal/metrics"
	"tagtime/internal/store"
	"tagtime/internal/watcher"
)

var errStorageDisabled = errors.New("storage is disabled in the configuration")

// importLog indexes the log at path unless its digest matches the last
// import. It reports whether the log was indexed and how many pings were
// written.
func (e *env) importLog(s *store.Store, path string, digest [32]byte, size int64, force bool) (bool, int, error) {
	logger := e.logger.WithComponent("import")

	prev, err := s.ImportDigest(path)
	if err != nil {
		return false, 0, err
	}
	if !force && prev != nil && prev.Digest == digest {
		logger.Debug("log unchanged", "path", path)
		return false, 0, nil
	}

	log, err := e.readLog(path)
	if err != nil {
		return false, 0, err
	}

	now := e.now().Unix()
	n, err := s.UpsertPings(path, log, now)
	if err != nil {
		return false, 0, err
	}
	if err := s.RecordImport(&store.Import{
		Path:       path,
		Digest:     digest,
		Size:       size,
		Pings:      n,
		ImportedAt: now,
	}); err != nil {
		return false, 0, err
	}

	logger.Info("log indexed", "path", path, "pings", n, "digest", hex.EncodeToString(digest[:8]))
	return true, n, nil
}

func cmdImport(e *env, args []string) error {
	fs := e.flagSet("import")
	force := fs.Bool("force", false, "re-index logs whose digest is unchanged")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return usageErrorf("Usage: tagtime import [-force] <log>...")
	}

	s, err := e.openStore()
	if err != nil {
		return err
	}
	if s == nil {
		return errStorageDisabled
	}
	defer s.Close()

	for _, path := range fs.Args() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		digest, size, err := watcher.HashFile(abs)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if limit := e.cfg.Watch.MaxFileSize; limit > 0 && size > limit {
			return fmt.Errorf("%s is larger than %d bytes", path, limit)
		}

		indexed, _, err := e.importLog(s, abs, digest, size, *force)
		if err != nil {
			return err
		}
		if indexed {
			fmt.Fprintf(e.stdout, "indexed %s\n", path)
		} else {
			fmt.Fprintf(e.stdout, "unchanged %s\n", path)
		}
	}
	return nil
}

func cmdWatch(e *env, args []string) error {
	fs := e.flagSet("watch")
	listen := fs.String("listen", e.cfg.Watch.Listen, "serve health and metrics on this address")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = e.cfg.Watch.Paths
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			e.logger.Warn("not watching", "path", p, "error", err)
			continue
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return usageErrorf("Usage: tagtime watch [-listen addr] [<log>...] (or set watch.paths)")
	}

	s, err := e.openStore()
	if err != nil {
		return err
	}
	if s == nil {
		return errStorageDisabled
	}
	defer s.Close()

	w, err := watcher.New(existing, watcher.Options{
		Debounce:    e.cfg.DebounceInterval(),
		MaxFileSize: e.cfg.Watch.MaxFileSize,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	runID := logging.NewRunID()
	ctx := logging.ContextWithRunID(context.Background(), runID)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := e.logger.WithContext(ctx).WithComponent("watch")
	logger.Info("watching logs", "paths", strings.Join(existing, ","), "debounce", e.cfg.DebounceInterval())

	m := metrics.NewIndexer(metrics.NewRegistry("tagtime"))
	m.WatchedLogs.Set(int64(len(existing)))
	var lastImport atomic.Int64

	checker := newWatchChecker(s, e.cfg, &lastImport)
	if *listen != "" {
		srv, err := startStatusServer(ctx, *listen, checker, m, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	var current atomic.Pointer[config.Config]
	current.Store(e.cfg)

	loader := config.NewLoader(e.configPath)
	var reloadErrs <-chan error
	if _, err := loader.Load(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer loader.Close()
		reloadErrs = loader.Errors()
		loader.OnChange(func(prev, next *config.Config) {
			if prev.Schedule != next.Schedule {
				logger.Warn("schedule changed; restart merges with the new schedule",
					"seed", next.Schedule.Seed, "gap_seconds", next.Schedule.GapSeconds)
			}
			current.Store(next)
			m.ConfigReloads.Inc()
			logger.Info("config reloaded", "path", loader.Path())
		})
	}

	checker.SetReady(true)

	for {
		select {
		case <-ctx.Done():
			checker.SetReady(false)
			logger.Info("stopping")
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if limit := current.Load().Watch.MaxFileSize; limit > 0 && ev.Size > limit {
				logger.Warn("log too large", "path", ev.Path, "size", ev.Size)
				continue
			}
			started := time.Now()
			indexed, n, err := e.importLog(s, ev.Path, ev.Digest, ev.Size, false)
			if err != nil {
				m.ImportErrorsTotal.Inc()
				logger.Error("import failed", "path", ev.Path, "error", err)
				continue
			}
			now := e.now()
			m.ObserveImport(indexed, n, time.Since(started), now)
			if indexed {
				lastImport.Store(now.Unix())
			}

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			m.WatchErrorsTotal.Inc()
			logger.Error("watch error", "error", err)

		case err := <-reloadErrs:
			logger.Warn("config reload failed", "error", err)
		}
	}
}

func cmdHistory(e *env, args []string) error {
	fs := e.flagSet("history")
	limit := fs.Int("n", 20, "number of runs to show")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	s, err := e.openStore()
	if err != nil {
		return err
	}
	if s == nil {
		return errStorageDisabled
	}
	defer s.Close()

	runs, err := s.ListMergeRuns(*limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(e.stdout, "No merge runs recorded.")
		return nil
	}

	fmt.Fprintf(e.stdout, "%-20s %-9s %5s %5s %5s %5s %5s  %s\n",
		"Started", "Outcome", "Sched", "Kept", "Fill", "MIA", "Unsch", "Target")
	fmt.Fprintln(e.stdout, strings.Repeat("-", 78))
	for _, r := range runs {
		fmt.Fprintf(e.stdout, "%-20s %-9s %5d %5d %5d %5d %5d  %s\n",
			time.Unix(r.StartedAt, 0).Format("2006-01-02 15:04:05"),
			r.Outcome, r.Scheduled, r.Kept, r.Filled, r.Missing, r.Unscheduled, r.Target)
	}
	return nil
}

func cmdStatus(e *env, args []string) error {
	fs := e.flagSet("status")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg := e.cfg

	fmt.Fprintln(e.stdout, "=== tagtime Status ===")
	fmt.Fprintln(e.stdout)

	fmt.Fprintln(e.stdout, "Schedule:")
	fmt.Fprintf(e.stdout, "  Seed:     %d\n", cfg.Schedule.Seed)
	fmt.Fprintf(e.stdout, "  Mean gap: %s\n", cfg.Schedule.Gap())
	if sched, err := cfg.Schedule.New(); err == nil {
		now := e.now().Unix()
		if p, _, err := sched.Prev(now); err == nil {
			fmt.Fprintf(e.stdout, "  Last:     %s\n", formatPing(p))
			if n, err := sched.Next(p); err == nil {
				fmt.Fprintf(e.stdout, "  Next:     %s\n", formatPing(n))
			}
		}
	}
	fmt.Fprintln(e.stdout)

	fmt.Fprintln(e.stdout, "Merge:")
	fmt.Fprintf(e.stdout, "  Unscheduled threshold: %g\n", cfg.Merge.UnschedThreshold)
	fmt.Fprintf(e.stdout, "  On mismatch:           %s\n", cfg.Merge.OnMismatch)
	fmt.Fprintln(e.stdout)

	fmt.Fprintln(e.stdout, "Ping index:")
	s, err := e.openStore()
	switch {
	case err != nil:
		fmt.Fprintf(e.stdout, "  Error: %v\n", err)
	case s == nil:
		fmt.Fprintln(e.stdout, "  Disabled")
	default:
		defer s.Close()
		fmt.Fprintf(e.stdout, "  Path:  %s\n", cfg.DatabasePath())
		if n, err := s.CountPings(); err == nil {
			fmt.Fprintf(e.stdout, "  Pings: %d\n", n)
		}
		if last, err := s.LastPing(); err == nil && last != nil {
			fmt.Fprintf(e.stdout, "  Last:  %s %s\n", formatPing(last.Time), strings.Join(last.Tags, " "))
		}
	}
	fmt.Fprintln(e.stdout)

	fmt.Fprintln(e.stdout, "Watch paths:")
	if len(cfg.Watch.Paths) == 0 {
		fmt.Fprintln(e.stdout, "  (none configured)")
	}
	for _, p := range cfg.Watch.Paths {
		fmt.Fprintf(e.stdout, "  - %s\n", p)
	}
	return nil
}
