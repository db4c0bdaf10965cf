package merge

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/pinglog"
	"tagtime/internal/schedule"
)

// First pings of the default schedule.
var pings = []int64{
	1184097393,
	1184098754,
	1184102685,
	1184104776,
	1184105302,
	1184105815,
	1184108794,
	1184114432,
}

func quietOptions() Options {
	opts := DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func event(t *testing.T, ts int64, text string) pinglog.Event {
	t.Helper()
	e, err := pinglog.ParseLine(pinglog.Format(pinglog.Event{Time: ts, Text: text, Delim: " "}))
	require.NoError(t, err)
	return e
}

func workLog(t *testing.T, times ...int64) pinglog.Log {
	t.Helper()
	log := make(pinglog.Log, 0, len(times))
	for _, ts := range times {
		log = append(log, event(t, ts, "work [2007.07.10 16:56:33 Tue]"))
	}
	return log
}

func times(log pinglog.Log) []int64 {
	out := make([]int64, len(log))
	for i, e := range log {
		out[i] = e.Time
	}
	return out
}

func render(t *testing.T, log pinglog.Log) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pinglog.Write(&buf, log))
	return buf.String()
}

func TestMerge_IdempotentOnScheduledLog(t *testing.T) {
	target := workLog(t, pings...)

	res, err := Merge(target, nil, quietOptions())
	require.NoError(t, err)

	assert.Equal(t, render(t, target), render(t, res.Log))
	assert.Equal(t, len(pings), res.Report.Scheduled)
	assert.Equal(t, len(pings), res.Report.Kept)
	assert.Zero(t, res.Report.Missing)
	assert.Zero(t, res.Report.Unscheduled())
	assert.False(t, res.Report.Mismatch)
	assert.NotEmpty(t, res.Report.RunID)
	assert.Equal(t, pings[0], res.Report.Start)
	assert.Equal(t, pings[len(pings)-1], res.Report.End)
}

func TestMerge_FillsMissingWithMIA(t *testing.T) {
	target := workLog(t, pings[0], pings[1], pings[2], pings[4])

	res, err := Merge(target, nil, quietOptions())
	require.NoError(t, err)

	assert.Equal(t, pings[:5], times(res.Log))
	assert.Equal(t, []string{pinglog.TagMIA}, res.Log[3].Tags)
	assert.Equal(t, 1, res.Report.Missing)
	assert.Equal(t, 4, res.Report.Kept)
}

func TestMerge_ReferenceOverride(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		reference string
		want      string
		replaced  int
	}{
		{"autotag target, real reference", "afk", "lunch", "lunch", 1},
		{"real target, real reference", "work", "lunch", "work", 0},
		{"real target, autotag reference", "work", "afk", "work", 0},
		{"autotag target, autotag reference", "afk", "off", "afk", 0},
		{"untagged target, real reference", "[2007.07.10 17:19:14 Tue]", "lunch", "lunch", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := workLog(t, pings[0], pings[1])
			target = append(target, event(t, pings[2], tt.target))
			reference := pinglog.Log{event(t, pings[2], tt.reference)}

			res, err := Merge(target, reference, quietOptions())
			require.NoError(t, err)

			require.Len(t, res.Log, 3)
			assert.Equal(t, tt.want, res.Log[2].Text)
			assert.Equal(t, tt.replaced, res.Report.Replaced)
		})
	}
}

func TestMerge_FillsFromReference(t *testing.T) {
	target := workLog(t, pings[0], pings[1], pings[3])
	reference := pinglog.Log{event(t, pings[2], "gym")}

	res, err := Merge(target, reference, quietOptions())
	require.NoError(t, err)

	assert.Equal(t, pings[:4], times(res.Log))
	assert.Equal(t, "gym", res.Log[2].Text)
	assert.Equal(t, 1, res.Report.FilledFromReference)
	assert.Zero(t, res.Report.Missing)
}

func TestMerge_UnscheduledTarget(t *testing.T) {
	extra := pings[1] + 10
	target := workLog(t, pings...)
	target = append(target, event(t, extra, "stray [2007.07.10 17:19:24 Tue]"))

	opts := quietOptions()
	opts.UnschedThreshold = -1

	res, err := Merge(target, nil, opts)
	require.NoError(t, err)

	require.Len(t, res.Log, len(pings)+1)
	stray := res.Log[2]
	assert.Equal(t, extra, stray.Time)
	assert.Equal(t, "stray UNSCHED [2007.07.10 17:19:24 Tue]", stray.Text)
	assert.Equal(t, 1, res.Report.UnscheduledTarget)

	// Merging the output again changes nothing.
	again, err := Merge(res.Log, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, render(t, res.Log), render(t, again.Log))
}

func TestMerge_UnscheduledReference(t *testing.T) {
	target := workLog(t, pings[1:]...)
	reference := pinglog.Log{
		event(t, pings[0], "before the window"),
		event(t, pings[3]+5, "phone"),
		event(t, pings[5], "sleep"),
	}

	opts := quietOptions()
	opts.UnschedThreshold = -1

	res, err := Merge(target, reference, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Report.SkippedReference)
	assert.Equal(t, 1, res.Report.UnscheduledReference)
	assert.Equal(t, len(pings)-1, res.Report.Kept)
	assert.NotContains(t, times(res.Log), pings[0])

	var found bool
	for _, e := range res.Log {
		if e.Time == pings[3]+5 {
			found = true
			assert.Equal(t, "phone UNSCHED", e.Text)
		}
		if e.Time == pings[5] {
			assert.Equal(t, "work [2007.07.10 16:56:33 Tue]", e.Text)
		}
	}
	assert.True(t, found)
}

func TestMerge_ReferenceExtendsWindow(t *testing.T) {
	target := workLog(t, pings[0], pings[1], pings[2])
	reference := pinglog.Log{event(t, pings[7], "sleep")}

	res, err := Merge(target, reference, quietOptions())
	require.NoError(t, err)

	assert.Equal(t, pings, times(res.Log))
	assert.Equal(t, 4, res.Report.Missing)
	assert.Equal(t, 1, res.Report.FilledFromReference)
	assert.Equal(t, pings[7], res.Report.End)
}

func TestMerge_Until(t *testing.T) {
	target := workLog(t, pings[:4]...)

	opts := quietOptions()
	opts.Until = pings[7]

	res, err := Merge(target, nil, opts)
	require.NoError(t, err)

	assert.Equal(t, pings, times(res.Log))
	assert.Equal(t, 4, res.Report.Missing)
	for _, e := range res.Log[4:] {
		assert.Equal(t, []string{pinglog.TagMIA}, e.Tags)
	}
}

func TestMerge_Mismatch(t *testing.T) {
	target := workLog(t, pings...)
	target = append(target, event(t, pings[4]+1, "stray"))

	t.Run("abort", func(t *testing.T) {
		res, err := Merge(target, nil, quietOptions())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrScheduleMismatch))

		var mismatch *ScheduleMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 1, mismatch.Unscheduled)
		assert.Equal(t, len(pings), mismatch.Scheduled)

		require.NotNil(t, res)
		assert.True(t, res.Report.Mismatch)
	})

	t.Run("warn", func(t *testing.T) {
		opts := quietOptions()
		opts.OnMismatch = MismatchWarn
		res, err := Merge(target, nil, opts)
		require.NoError(t, err)
		assert.True(t, res.Report.Mismatch)
		assert.Len(t, res.Log, len(pings)+1)
	})

	t.Run("within threshold", func(t *testing.T) {
		opts := quietOptions()
		opts.UnschedThreshold = 0.2
		res, err := Merge(target, nil, opts)
		require.NoError(t, err)
		assert.False(t, res.Report.Mismatch)
	})

	t.Run("disabled", func(t *testing.T) {
		opts := quietOptions()
		opts.UnschedThreshold = -1
		res, err := Merge(target, nil, opts)
		require.NoError(t, err)
		assert.False(t, res.Report.Mismatch)
	})
}

func TestMerge_UnsortedTarget(t *testing.T) {
	extra := pings[3] + 7
	var target pinglog.Log
	for i := len(pings) - 1; i >= 0; i-- {
		target = append(target, event(t, pings[i], "work"))
		if i == 5 {
			target = append(target, event(t, extra, "stray"))
		}
	}

	opts := quietOptions()
	opts.UnschedThreshold = -1

	res, err := Merge(target, nil, opts)
	require.NoError(t, err)

	want := append(append([]int64{}, pings[:4]...), extra)
	want = append(want, pings[4:]...)
	assert.Equal(t, want, times(res.Log))
	assert.Equal(t, pings[0], res.Report.Start)
	assert.Equal(t, pings[len(pings)-1], res.Report.End)
	assert.Equal(t, len(pings), res.Report.Kept)
	assert.Equal(t, 1, res.Report.UnscheduledTarget)
	assert.Zero(t, res.Report.Missing)

	// The caller's slice is left as it was.
	assert.Equal(t, pings[len(pings)-1], target[0].Time)
}

func TestMerge_RepeatedTimestamps(t *testing.T) {
	var target pinglog.Log
	for _, p := range pings {
		target = append(target, event(t, p, "work"), event(t, p, "sleep"))
	}
	reference := pinglog.Log{event(t, pings[0], "gym"), event(t, pings[0], "lunch")}

	res, err := Merge(target, reference, quietOptions())
	require.NoError(t, err)

	require.Len(t, res.Log, len(pings))
	for _, e := range res.Log {
		assert.Equal(t, "work", e.Text)
	}
	assert.Equal(t, len(pings), res.Report.Kept)
	assert.Zero(t, res.Report.Unscheduled())
}

func TestMerge_WindowStartsOnUnscheduledEntry(t *testing.T) {
	first := pings[0] + 100
	target := pinglog.Log{event(t, first, "early")}
	target = append(target, workLog(t, pings[1:]...)...)

	opts := quietOptions()
	opts.UnschedThreshold = -1

	res, err := Merge(target, nil, opts)
	require.NoError(t, err)

	assert.Equal(t, first, res.Report.Start)
	assert.Equal(t, len(pings)-1, res.Report.Scheduled)
	assert.Equal(t, len(pings)-1, res.Report.Kept)
	assert.Zero(t, res.Report.Missing)
	assert.Equal(t, append([]int64{first}, pings[1:]...), times(res.Log))
	assert.Equal(t, "early UNSCHED", res.Log[0].Text)
}

func TestMerge_ZeroOptionsUseDefaults(t *testing.T) {
	target := workLog(t, pings...)
	target = append(target, event(t, pings[2]+1, "stray"))

	res, err := Merge(target, nil, Options{
		Until:  pings[0] + 7*24*3600,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultUnschedThreshold, res.Report.Threshold)
	assert.Greater(t, res.Report.Scheduled, 100)
	assert.Equal(t, 1, res.Report.UnscheduledTarget)
	assert.False(t, res.Report.Mismatch)
}

func TestMerge_LongStretch(t *testing.T) {
	all, err := schedule.Default().Between(pings[0], pings[0]+3*24*3600)
	require.NoError(t, err)
	require.Greater(t, len(all), 50)

	var target pinglog.Log
	dropped := 0
	for i, p := range all {
		if i%5 == 3 && i < len(all)-1 {
			dropped++
			continue
		}
		target = append(target, event(t, p, "work"))
	}

	res, err := Merge(target, nil, quietOptions())
	require.NoError(t, err)

	assert.Equal(t, all, times(res.Log))
	assert.Equal(t, dropped, res.Report.Missing)
	assert.Equal(t, len(all)-dropped, res.Report.Kept)

	again, err := Merge(res.Log, nil, quietOptions())
	require.NoError(t, err)
	assert.Equal(t, render(t, res.Log), render(t, again.Log))
	assert.Zero(t, again.Report.Missing)
}

func TestMerge_EmptyTarget(t *testing.T) {
	_, err := Merge(nil, workLog(t, pings[0]), quietOptions())
	require.Error(t, err)

	var inputErr *pinglog.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.ErrorIs(t, err, pinglog.ErrEmptyLog)
}

func TestMerge_OtherSchedule(t *testing.T) {
	sched, err := schedule.New(1234, schedule.DefaultGap)
	require.NoError(t, err)

	own, err := sched.Between(pings[0], pings[0]+6*3600)
	require.NoError(t, err)
	require.NotEmpty(t, own)

	// A log on the default schedule looks almost entirely unscheduled.
	opts := quietOptions()
	opts.Schedule = sched
	_, err = Merge(workLog(t, pings...), nil, opts)
	assert.ErrorIs(t, err, ErrScheduleMismatch)

	res, err := Merge(workLog(t, own...), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, own, times(res.Log))
}

func TestParseMismatchPolicy(t *testing.T) {
	p, err := ParseMismatchPolicy("WARN")
	require.NoError(t, err)
	assert.Equal(t, MismatchWarn, p)

	p, err = ParseMismatchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MismatchAbort, p)

	_, err = ParseMismatchPolicy("ignore")
	assert.Error(t, err)
}
