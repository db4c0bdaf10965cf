package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tagtime/internal/config"
	"tagtime/internal/merge"
	"tagtime/internal/pinglog"
	"tagtime/internal/schedule"
	"tagtime/internal/store"
)

func cmdMerge(e *env, args []string) error {
	fs := e.flagSet("merge")
	out := fs.String("o", "", "write the merged log here instead of rewriting the target")
	reportPath := fs.String("report", "", "write a JSON merge report to this file")
	until := fs.String("until", "", "fill pings up to this time (unix seconds, RFC 3339 or \"now\")")
	dryRun := fs.Bool("dry-run", false, "print the merged log instead of writing it")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return usageErrorf("Usage: tagtime merge [-o out] [-report file] [-until time] [-dry-run] <target_log> [<reference_log>]")
	}

	targetPath := fs.Arg(0)
	target, err := e.readLog(targetPath)
	if err != nil {
		return err
	}

	var referencePath string
	var reference pinglog.Log
	if fs.NArg() == 2 {
		referencePath = fs.Arg(1)
		if reference, err = e.readLog(referencePath); err != nil {
			return err
		}
	}

	sched, err := e.cfg.Schedule.New()
	if err != nil {
		return err
	}
	policy, err := merge.ParseMismatchPolicy(e.cfg.Merge.OnMismatch)
	if err != nil {
		return err
	}

	opts := merge.Options{
		Schedule:         sched,
		UnschedThreshold: e.cfg.Merge.UnschedThreshold,
		OnMismatch:       policy,
		Logger:           e.logger.Logger,
	}
	if *until != "" {
		if opts.Until, err = parseTime(*until, e.now()); err != nil {
			return usageErrorf("%v", err)
		}
	}

	startedAt := e.now()
	result, mergeErr := merge.Merge(target, reference, opts)
	if result == nil {
		return mergeErr
	}
	report := result.Report
	logger := e.logger.WithRunID(report.RunID)

	outcome := store.OutcomeWritten
	switch {
	case mergeErr != nil:
		outcome = store.OutcomeAborted
	case *dryRun:
		outcome = store.OutcomeDryRun
	}

	if err := e.recordMergeRun(report, startedAt, targetPath, referencePath, outcome); err != nil {
		logger.Warn("merge run not recorded", "error", err)
	}

	// An aborted merge leaves every output file untouched; the run is only
	// visible in the index history.
	if mergeErr != nil {
		return mergeErr
	}
	if err := e.writeReports(report, *reportPath); err != nil {
		return err
	}

	if *dryRun {
		return pinglog.Write(e.stdout, result.Log)
	}

	dest := targetPath
	if *out != "" {
		dest = *out
	}
	if err := pinglog.WriteFileAtomic(dest, result.Log); err != nil {
		return err
	}

	logger.Info("merged log written",
		"path", dest,
		"scheduled", report.Scheduled,
		"missing", report.Missing,
		"filled", report.FilledFromReference,
		"unscheduled", report.Unscheduled(),
	)
	return nil
}

// writeReports writes the JSON report to path and to the configured report
// directory, when either is set.
func (e *env) writeReports(report merge.Report, path string) error {
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	if dir := e.cfg.Merge.ReportDir; dir != "" {
		paths = append(paths, filepath.Join(dir, "merge-"+report.RunID+".json"))
	}
	if len(paths) == 0 {
		return nil
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')

	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
		if err := os.WriteFile(p, data, 0600); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

func (e *env) recordMergeRun(r merge.Report, startedAt time.Time, target, reference string, outcome store.Outcome) error {
	s, err := e.openStore()
	if err != nil || s == nil {
		return err
	}
	defer s.Close()

	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	if reference != "" {
		if abs, err := filepath.Abs(reference); err == nil {
			reference = abs
		}
	}

	return s.RecordMergeRun(&store.MergeRun{
		ID:          r.RunID,
		StartedAt:   startedAt.Unix(),
		Target:      target,
		Reference:   reference,
		Start:       r.Start,
		End:         r.End,
		Scheduled:   r.Scheduled,
		Kept:        r.Kept,
		Replaced:    r.Replaced,
		Filled:      r.FilledFromReference,
		Missing:     r.Missing,
		Unscheduled: r.Unscheduled(),
		Skipped:     r.SkippedReference,
		Outcome:     outcome,
	})
}

func formatPing(t int64) string {
	return fmt.Sprintf("%d [%s]", t, time.Unix(t, 0).Format(pinglog.AnnotationLayout))
}

func cmdNext(e *env, args []string) error {
	fs := e.flagSet("next")
	n := fs.Int("n", 1, "number of pings to print")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 || *n < 1 {
		return usageErrorf("Usage: tagtime next [-n N] [time]")
	}

	t, err := parseTime(fs.Arg(0), e.now())
	if err != nil {
		return usageErrorf("%v", err)
	}

	sched, err := e.cfg.Schedule.New()
	if err != nil {
		return err
	}

	// Prev(t+1) is the last ping at or before t; the generator continues
	// from there. Before the epoch that is the epoch itself, which is the
	// first ping.
	p, _, err := sched.Prev(t + 1)
	if err != nil {
		return err
	}
	printed := 0
	if t < schedule.Epoch {
		fmt.Fprintln(e.stdout, formatPing(p))
		printed++
	}
	for i := printed; i < *n; i++ {
		if p, err = sched.Next(p); err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, formatPing(p))
	}
	return nil
}

func cmdPrev(e *env, args []string) error {
	fs := e.flagSet("prev")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usageErrorf("Usage: tagtime prev [time]")
	}

	t, err := parseTime(fs.Arg(0), e.now())
	if err != nil {
		return usageErrorf("%v", err)
	}

	sched, err := e.cfg.Schedule.New()
	if err != nil {
		return err
	}
	p, _, err := sched.Prev(t)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, formatPing(p))
	return nil
}

func cmdSchedule(e *env, args []string) error {
	fs := e.flagSet("schedule")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usageErrorf("Usage: tagtime schedule <from> <to>")
	}

	now := e.now()
	from, err := parseTime(fs.Arg(0), now)
	if err != nil {
		return usageErrorf("%v", err)
	}
	to, err := parseTime(fs.Arg(1), now)
	if err != nil {
		return usageErrorf("%v", err)
	}

	sched, err := e.cfg.Schedule.New()
	if err != nil {
		return err
	}
	pings, err := sched.Between(from, to)
	if err != nil {
		return err
	}
	for _, p := range pings {
		fmt.Fprintln(e.stdout, formatPing(p))
	}
	return nil
}

func cmdInit(e *env, args []string) error {
	fs := e.flagSet("init")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	path := e.configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if created {
		fmt.Fprintf(e.stdout, "Created %s\n", path)
	} else {
		fmt.Fprintf(e.stdout, "Config already exists: %s\n", path)
	}
	fmt.Fprintf(e.stdout, "Schedule: seed %d, mean gap %s\n", cfg.Schedule.Seed, cfg.Schedule.Gap())
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(e.stdout, "Warning: %v\n", err)
	}
	return nil
}
