package beeminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/pinglog"
)

func TestTally(t *testing.T) {
	day1 := time.Date(2007, 7, 10, 9, 0, 0, 0, time.UTC).Unix()
	day2 := time.Date(2007, 7, 11, 23, 59, 0, 0, time.UTC).Unix()

	log := pinglog.Log{
		pinglog.NewEvent(day1, "work"),
		pinglog.NewEvent(day1+600, "afk"),
		pinglog.NewEvent(day1+1200, "work", "meeting"),
		pinglog.NewEvent(day2, "work"),
	}

	points := Tally(log, "work", 45*time.Minute, time.UTC)
	require.Len(t, points, 2)

	assert.Equal(t, 2, points[0].Pings)
	assert.InDelta(t, 1.5, points[0].Hours, 1e-9)
	assert.Equal(t, `2007 07 10 1.50 "2 pings"`, points[0].String())

	assert.Equal(t, 1, points[1].Pings)
	assert.Equal(t, `2007 07 11 0.75 "1 ping"`, points[1].String())

	assert.Equal(t, "2007 07 10 1.50 \"2 pings\"\n2007 07 11 0.75 \"1 ping\"\n", FormatDatapoints(points))
}

func TestTallyLocation(t *testing.T) {
	// 23:59 UTC is the next day east of Greenwich.
	ts := time.Date(2007, 7, 11, 23, 59, 0, 0, time.UTC).Unix()
	log := pinglog.Log{pinglog.NewEvent(ts, "work")}

	east := time.FixedZone("east", 2*3600)
	points := Tally(log, "work", 45*time.Minute, east)
	require.Len(t, points, 1)
	assert.Equal(t, 12, points[0].Day.Day())
}

func TestTallyNoMatches(t *testing.T) {
	log := pinglog.Log{pinglog.NewEvent(1184097393, "afk")}
	assert.Empty(t, Tally(log, "work", 45*time.Minute, time.UTC))
	assert.Empty(t, FormatDatapoints(nil))
}
