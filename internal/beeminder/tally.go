package beeminder

import (
	"fmt"
	"strings"
	"time"

	"tagtime/internal/pinglog"
)

// Datapoint is one day's total for a tag.
type Datapoint struct {
	Day   time.Time
	Pings int
	Hours float64
}

// String renders the datapoint in the datapoints_text line format.
func (d Datapoint) String() string {
	noun := "pings"
	if d.Pings == 1 {
		noun = "ping"
	}
	return fmt.Sprintf("%04d %02d %02d %.2f \"%d %s\"",
		d.Day.Year(), int(d.Day.Month()), d.Day.Day(), d.Hours, d.Pings, noun)
}

// Tally counts pings carrying tag per calendar day in loc. Each ping stands
// for gap of time. The log must be in time order; days without matching
// pings are omitted.
func Tally(log pinglog.Log, tag string, gap time.Duration, loc *time.Location) []Datapoint {
	if loc == nil {
		loc = time.Local
	}

	var points []Datapoint
	for _, e := range log {
		if !e.HasTag(tag) {
			continue
		}
		t := time.Unix(e.Time, 0).In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

		if n := len(points); n > 0 && points[n-1].Day.Equal(day) {
			points[n-1].Pings++
			continue
		}
		points = append(points, Datapoint{Day: day, Pings: 1})
	}

	for i := range points {
		points[i].Hours = float64(points[i].Pings) * gap.Hours()
	}
	return points
}

// FormatDatapoints renders datapoints one per line.
func FormatDatapoints(points []Datapoint) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	return b.String()
}
