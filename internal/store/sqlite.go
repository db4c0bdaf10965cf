package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tagtime/internal/pinglog"
)

// Schema for the tagtime ping index.
const schema = `
CREATE TABLE IF NOT EXISTS pings (
    time        INTEGER PRIMARY KEY,
    tags        TEXT NOT NULL,
    text        TEXT NOT NULL,
    source      TEXT NOT NULL,
    imported_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pings_source ON pings(source, time);

CREATE TABLE IF NOT EXISTS merge_runs (
    id           TEXT PRIMARY KEY,
    started_at   INTEGER NOT NULL,
    target       TEXT NOT NULL,
    reference    TEXT NOT NULL DEFAULT '',
    start_time   INTEGER NOT NULL,
    end_time     INTEGER NOT NULL,
    scheduled    INTEGER NOT NULL,
    kept         INTEGER NOT NULL,
    replaced     INTEGER NOT NULL,
    filled       INTEGER NOT NULL,
    missing      INTEGER NOT NULL,
    unscheduled  INTEGER NOT NULL,
    skipped      INTEGER NOT NULL,
    outcome      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_runs_started ON merge_runs(started_at);

CREATE TABLE IF NOT EXISTS imports (
    path        TEXT PRIMARY KEY,
    digest      BLOB NOT NULL,
    size        INTEGER NOT NULL,
    pings       INTEGER NOT NULL,
    imported_at INTEGER NOT NULL
);
`

// Store represents the SQLite ping index.
type Store struct {
	db *sql.DB
}

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	return OpenWithBusyTimeout(path, DefaultBusyTimeout)
}

// OpenWithBusyTimeout is Open with an explicit SQLite busy timeout, for
// indexes shared by a long-running watcher and one-shot commands.
func OpenWithBusyTimeout(path string, busy time.Duration) (*Store, error) {
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PingContext verifies the database is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store is closed")
	}
	return s.db.PingContext(ctx)
}

// UpsertPings indexes every event of log under source. Existing rows for
// the same timestamps are replaced. It returns the number of rows written.
func (s *Store) UpsertPings(source string, log pinglog.Log, importedAt int64) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pings (time, tags, text, source, imported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(time) DO UPDATE SET
			tags = excluded.tags,
			text = excluded.text,
			source = excluded.source,
			imported_at = excluded.imported_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range log {
		if _, err := stmt.Exec(e.Time, strings.Join(e.Tags, " "), e.Text, source, importedAt); err != nil {
			return 0, fmt.Errorf("upsert ping %d: %w", e.Time, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return len(log), nil
}

const pingColumns = `time, tags, text, source, imported_at`

func scanPing(row interface{ Scan(...any) error }) (*Ping, error) {
	var p Ping
	var tags string
	if err := row.Scan(&p.Time, &tags, &p.Text, &p.Source, &p.ImportedAt); err != nil {
		return nil, err
	}
	p.Tags = strings.Fields(tags)
	return &p, nil
}

func (s *Store) queryPing(query string, args ...any) (*Ping, error) {
	p, err := scanPing(s.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetPing retrieves the ping at t, or nil if none is indexed.
func (s *Store) GetPing(t int64) (*Ping, error) {
	p, err := s.queryPing(`SELECT `+pingColumns+` FROM pings WHERE time = ?`, t)
	if err != nil {
		return nil, fmt.Errorf("get ping: %w", err)
	}
	return p, nil
}

// LastPing returns the latest indexed ping, or nil for an empty index.
func (s *Store) LastPing() (*Ping, error) {
	p, err := s.queryPing(`SELECT ` + pingColumns + ` FROM pings ORDER BY time DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("get last ping: %w", err)
	}
	return p, nil
}

// LastPingBefore returns the latest indexed ping strictly before t.
func (s *Store) LastPingBefore(t int64) (*Ping, error) {
	p, err := s.queryPing(`SELECT `+pingColumns+` FROM pings WHERE time < ? ORDER BY time DESC LIMIT 1`, t)
	if err != nil {
		return nil, fmt.Errorf("get last ping before %d: %w", t, err)
	}
	return p, nil
}

// CountPings returns the number of indexed pings.
func (s *Store) CountPings() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pings: %w", err)
	}
	return n, nil
}

// PingsBetween returns pings with from <= time <= to in ascending order.
func (s *Store) PingsBetween(from, to int64) ([]Ping, error) {
	rows, err := s.db.Query(`
		SELECT `+pingColumns+`
		FROM pings
		WHERE time >= ? AND time <= ?
		ORDER BY time ASC`, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query pings by range: %w", err)
	}
	defer rows.Close()

	var pings []Ping
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		pings = append(pings, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pings: %w", err)
	}

	return pings, nil
}

// RecordMergeRun stores a merge run. An empty ID is filled with a new UUID.
func (s *Store) RecordMergeRun(r *MergeRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid merge run id %q: %w", r.ID, err)
	}

	_, err := s.db.Exec(`
		INSERT INTO merge_runs (id, started_at, target, reference, start_time, end_time,
			scheduled, kept, replaced, filled, missing, unscheduled, skipped, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.Target, r.Reference, r.Start, r.End,
		r.Scheduled, r.Kept, r.Replaced, r.Filled, r.Missing, r.Unscheduled, r.Skipped, string(r.Outcome),
	)
	if err != nil {
		return fmt.Errorf("insert merge run: %w", err)
	}
	return nil
}

// ListMergeRuns returns the most recent merge runs, newest first.
func (s *Store) ListMergeRuns(limit int) ([]MergeRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, started_at, target, reference, start_time, end_time,
			scheduled, kept, replaced, filled, missing, unscheduled, skipped, outcome
		FROM merge_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query merge runs: %w", err)
	}
	defer rows.Close()

	var runs []MergeRun
	for rows.Next() {
		var r MergeRun
		var outcome string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Target, &r.Reference, &r.Start, &r.End,
			&r.Scheduled, &r.Kept, &r.Replaced, &r.Filled, &r.Missing, &r.Unscheduled, &r.Skipped, &outcome); err != nil {
			return nil, fmt.Errorf("scan merge run: %w", err)
		}
		r.Outcome = Outcome(outcome)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge runs: %w", err)
	}

	return runs, nil
}

// ImportDigest returns the digest recorded for path, or nil if the file
// was never imported.
func (s *Store) ImportDigest(path string) (*Import, error) {
	var imp Import
	var digest []byte

	err := s.db.QueryRow(`
		SELECT path, digest, size, pings, imported_at FROM imports WHERE path = ?`, path,
	).Scan(&imp.Path, &digest, &imp.Size, &imp.Pings, &imp.ImportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get import: %w", err)
	}

	copy(imp.Digest[:], digest)
	return &imp, nil
}

// RecordImport stores the state of an imported file.
func (s *Store) RecordImport(imp *Import) error {
	_, err := s.db.Exec(`
		INSERT INTO imports (path, digest, size, pings, imported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			pings = excluded.pings,
			imported_at = excluded.imported_at`,
		imp.Path, imp.Digest[:], imp.Size, imp.Pings, imp.ImportedAt,
	)
	if err != nil {
		return fmt.Errorf("record import: %w", err)
	}
	return nil
}
