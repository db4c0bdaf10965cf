// Package store provides the SQLite ping index for tagtime.
//
// Log files stay the source of truth. The index mirrors imported pings so
// that queries such as "last ping before t" do not need to rescan every log,
// and it keeps a history of merge runs and imported files.
package store

// Ping is one indexed ping.
type Ping struct {
	Time       int64
	Tags       []string
	Text       string
	Source     string
	ImportedAt int64
}

// Outcome records how a merge run ended.
type Outcome string

const (
	// OutcomeWritten indicates the merged log was written.
	OutcomeWritten Outcome = "written"
	// OutcomeDryRun indicates the merge was computed but not written.
	OutcomeDryRun Outcome = "dry_run"
	// OutcomeAborted indicates the merge stopped on a schedule mismatch.
	OutcomeAborted Outcome = "aborted"
)

// MergeRun is the history record of one merge.
type MergeRun struct {
	ID        string
	StartedAt int64
	Target    string
	Reference string

	Start int64
	End   int64

	Scheduled   int
	Kept        int
	Replaced    int
	Filled      int
	Missing     int
	Unscheduled int
	Skipped     int

	Outcome Outcome
}

// Import records the last imported state of a log file.
type Import struct {
	Path       string
	Digest     [32]byte
	Size       int64
	Pings      int
	ImportedAt int64
}
