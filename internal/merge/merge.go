// Package merge reconciles a TagTime log against the ping schedule.
//
// The target log is corrected in place: pings the schedule expects but the
// log lacks are filled from a reference log or marked MIA, and entries at
// times the schedule never produced are flagged UNSCHED. A reference log can
// also upgrade target pings that only carry autotags.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tagtime/internal/pinglog"
	"tagtime/internal/schedule"
)

// DefaultUnschedThreshold is the largest fraction of unscheduled entries,
// relative to scheduled pings, tolerated before the logs are considered to
// be on different schedules.
const DefaultUnschedThreshold = 0.05

// MismatchPolicy selects what happens when the threshold is exceeded.
type MismatchPolicy string

const (
	MismatchAbort MismatchPolicy = "abort"
	MismatchWarn  MismatchPolicy = "warn"
)

// ParseMismatchPolicy converts a configuration string to a policy.
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch p := MismatchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case MismatchAbort, MismatchWarn:
		return p, nil
	case "":
		return MismatchAbort, nil
	default:
		return "", fmt.Errorf("merge: unknown mismatch policy %q", s)
	}
}

// ErrScheduleMismatch is wrapped by ScheduleMismatchError.
var ErrScheduleMismatch = errors.New("merge: logs do not follow the schedule")

// ScheduleMismatchError reports too many unscheduled entries.
type ScheduleMismatchError struct {
	Unscheduled int
	Scheduled   int
	Threshold   float64
}

func (e *ScheduleMismatchError) Error() string {
	return fmt.Sprintf("merge: %d unscheduled entries against %d scheduled pings exceeds threshold %.3f",
		e.Unscheduled, e.Scheduled, e.Threshold)
}

func (e *ScheduleMismatchError) Unwrap() error {
	return ErrScheduleMismatch
}

// Options controls a merge run.
type Options struct {
	// Schedule is reset and walked by the merge. Nil means the default
	// schedule.
	Schedule *schedule.Schedule

	// UnschedThreshold is the tolerated unscheduled fraction. Zero means
	// DefaultUnschedThreshold and a negative value disables the check.
	UnschedThreshold float64
	OnMismatch       MismatchPolicy

	// Until extends the window so pings up to this time are filled even
	// when neither log reaches it.
	Until int64

	Logger *slog.Logger
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		UnschedThreshold: DefaultUnschedThreshold,
		OnMismatch:       MismatchAbort,
	}
}

// Report summarizes a merge run.
type Report struct {
	RunID string `json:"run_id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`

	Scheduled            int `json:"scheduled"`
	Kept                 int `json:"kept"`
	Replaced             int `json:"replaced"`
	FilledFromReference  int `json:"filled_from_reference"`
	Missing              int `json:"missing"`
	UnscheduledTarget    int `json:"unscheduled_target"`
	UnscheduledReference int `json:"unscheduled_reference"`
	SkippedReference     int `json:"skipped_reference"`

	Threshold float64 `json:"threshold"`
	Mismatch  bool    `json:"mismatch"`
}

// Unscheduled returns the number of UNSCHED entries in the output.
func (r Report) Unscheduled() int {
	return r.UnscheduledTarget + r.UnscheduledReference
}

// Result is the output of a merge.
type Result struct {
	Log    pinglog.Log
	Report Report
}

// Merge reconciles target against the schedule, using reference to fill
// gaps. The window runs from the earliest target ping to the latest of the
// last target ping, the last reference ping and opts.Until. Inputs need not
// be sorted; for a repeated timestamp the first entry is used.
//
// An empty target is an InputError. When the unscheduled threshold is
// exceeded under the abort policy, Merge returns the computed Result
// together with a ScheduleMismatchError so callers can report it; the
// result must not be written.
func Merge(target, reference pinglog.Log, opts Options) (*Result, error) {
	target, droppedTarget := target.Normalize()
	reference, droppedReference := reference.Normalize()

	start, end, ok := target.Span()
	if !ok {
		return nil, &pinglog.InputError{Err: pinglog.ErrEmptyLog}
	}
	if _, last, ok := reference.Span(); ok && last > end {
		end = last
	}
	if opts.Until > end {
		end = opts.Until
	}

	sched := opts.Schedule
	if sched == nil {
		sched = schedule.Default()
	}
	policy := opts.OnMismatch
	if policy == "" {
		policy = MismatchAbort
	}
	threshold := opts.UnschedThreshold
	if threshold == 0 {
		threshold = DefaultUnschedThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	report := Report{
		RunID:     uuid.NewString(),
		Start:     start,
		End:       end,
		Threshold: threshold,
	}
	logger = logger.With("component", "merge", "run_id", report.RunID)
	if droppedTarget > 0 || droppedReference > 0 {
		logger.Warn("repeated timestamps ignored",
			"target", droppedTarget, "reference", droppedReference)
	}

	scheduled, err := sched.Between(start, end)
	if err != nil {
		return nil, fmt.Errorf("merge: walk schedule: %w", err)
	}
	report.Scheduled = len(scheduled)

	inTarget := target.Index()
	inReference := reference.Index()
	isScheduled := make(map[int64]bool, len(scheduled))

	merged := make(pinglog.Log, 0, len(scheduled)+len(target)/10)
	for _, t := range scheduled {
		isScheduled[t] = true
		te, haveTarget := inTarget[t]
		re, haveRef := inReference[t]

		switch {
		case haveTarget && haveRef && pinglog.AllAutotags(te.Tags) && pinglog.HasRealTags(re.Tags):
			merged = append(merged, re)
			report.Replaced++
		case haveTarget:
			merged = append(merged, te)
			report.Kept++
		case haveRef:
			merged = append(merged, re)
			report.FilledFromReference++
		default:
			merged = append(merged, pinglog.NewEvent(t, pinglog.TagMIA))
			report.Missing++
		}
	}

	for _, e := range target {
		if isScheduled[e.Time] {
			continue
		}
		merged = append(merged, e.WithTag(pinglog.TagUnsched))
		report.UnscheduledTarget++
	}

	for _, e := range reference {
		if isScheduled[e.Time] {
			continue
		}
		if _, ok := inTarget[e.Time]; ok {
			continue
		}
		if e.Time < start {
			report.SkippedReference++
			continue
		}
		merged = append(merged, e.WithTag(pinglog.TagUnsched))
		report.UnscheduledReference++
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	result := &Result{Log: merged, Report: report}

	if threshold >= 0 &&
		float64(report.Unscheduled()) > threshold*float64(report.Scheduled) {
		result.Report.Mismatch = true
		mismatch := &ScheduleMismatchError{
			Unscheduled: report.Unscheduled(),
			Scheduled:   report.Scheduled,
			Threshold:   threshold,
		}
		if policy == MismatchAbort {
			logger.Error("merge aborted", "error", mismatch)
			return result, mismatch
		}
		logger.Warn("logs may be on different schedules",
			"unscheduled", mismatch.Unscheduled,
			"scheduled", mismatch.Scheduled,
			"threshold", mismatch.Threshold)
	}

	if report.SkippedReference > 0 {
		logger.Info("reference entries before target start skipped", "count", report.SkippedReference)
	}
	logger.Debug("merge complete",
		"scheduled", report.Scheduled,
		"kept", report.Kept,
		"replaced", report.Replaced,
		"filled", report.FilledFromReference,
		"missing", report.Missing,
		"unscheduled", report.Unscheduled())

	return result, nil
}
