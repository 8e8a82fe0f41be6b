// Package statsdb records collections and process exits of a runtime in a
// SQLite database.
package statsdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/mvm/gc"
	"github.com/chazu/mvm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("mvm.statsdb")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("stats database closed")

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	runtime     TEXT    NOT NULL,
	heap        INTEGER NOT NULL,
	generation  TEXT    NOT NULL,
	marked      INTEGER NOT NULL,
	evacuated   INTEGER NOT NULL,
	promoted    INTEGER NOT NULL,
	released    INTEGER NOT NULL,
	dead        INTEGER NOT NULL,
	finalized   INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	at          TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS exits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	runtime     TEXT    NOT NULL,
	pid         INTEGER NOT NULL,
	method      TEXT    NOT NULL,
	panicked    INTEGER NOT NULL,
	message     TEXT    NOT NULL,
	reductions  INTEGER NOT NULL,
	yields      INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	at          TEXT    NOT NULL
);
`

// DB is a statistics journal. It implements vm.Journal.
type DB struct {
	db      *sql.DB
	path    string
	runtime string

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at path. Rows written
// through the returned DB are tagged with runtimeID.
func Open(path string, runtimeID uuid.UUID) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("stats database %s opened for runtime %s", path, runtimeID)
	return &DB{db: db, path: path, runtime: runtimeID.String()}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database. Later writes return ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// RecordCollection implements gc.Recorder.
func (d *DB) RecordCollection(s *gc.Stats) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	_, err := d.db.Exec(`INSERT INTO collections
		(runtime, heap, generation, marked, evacuated, promoted, released, dead, finalized, duration_ns, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.runtime, s.Heap, s.Generation.String(),
		s.Trace.Marked, s.Trace.Evacuated, s.Trace.Promoted,
		s.Sweep.Released, s.Sweep.Dead, s.Finalized,
		s.Duration.Nanoseconds(), s.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording collection: %w", err)
	}
	return nil
}

// RecordExit implements vm.Journal.
func (d *DB) RecordExit(r vm.ExitRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	_, err := d.db.Exec(`INSERT INTO exits
		(runtime, pid, method, panicked, message, reductions, yields, duration_ns, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.runtime, r.PID, r.Method, r.Panicked, r.Message,
		int64(r.Reductions), int64(r.Yields), r.Duration.Nanoseconds(), r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording exit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Summary aggregates the rows of one runtime.
type Summary struct {
	Collections int
	Full        int
	Marked      int64
	Evacuated   int64
	Promoted    int64
	Released    int64
	GCTime      time.Duration

	Exits    int
	Panicked int
}

// Summarize aggregates the rows written for runtimeID.
func (d *DB) Summarize(runtimeID uuid.UUID) (Summary, error) {
	var s Summary
	var gcNanos int64
	err := d.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(generation = ?), 0),
		COALESCE(SUM(marked), 0), COALESCE(SUM(evacuated), 0),
		COALESCE(SUM(promoted), 0), COALESCE(SUM(released), 0),
		COALESCE(SUM(duration_ns), 0)
		FROM collections WHERE runtime = ?`,
		gc.Full.String(), runtimeID.String(),
	).Scan(&s.Collections, &s.Full, &s.Marked, &s.Evacuated, &s.Promoted, &s.Released, &gcNanos)
	if err != nil {
		return Summary{}, fmt.Errorf("querying collections: %w", err)
	}
	s.GCTime = time.Duration(gcNanos)

	err = d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(panicked), 0)
		FROM exits WHERE runtime = ?`, runtimeID.String(),
	).Scan(&s.Exits, &s.Panicked)
	if err != nil {
		return Summary{}, fmt.Errorf("querying exits: %w", err)
	}
	return s, nil
}

// Exit is a recorded process exit.
type Exit struct {
	PID      vm.PID
	Method   string
	Panicked bool
	Message  string
}

// Exits returns the exits recorded for runtimeID in insertion order.
func (d *DB) Exits(runtimeID uuid.UUID) ([]Exit, error) {
	rows, err := d.db.Query(`SELECT pid, method, panicked, message
		FROM exits WHERE runtime = ? ORDER BY id`, runtimeID.String())
	if err != nil {
		return nil, fmt.Errorf("querying exits: %w", err)
	}
	defer rows.Close()

	var exits []Exit
	for rows.Next() {
		var e Exit
		var pid int64
		if err := rows.Scan(&pid, &e.Method, &e.Panicked, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning exit: %w", err)
		}
		e.PID = vm.PID(pid)
		exits = append(exits, e)
	}
	return exits, rows.Err()
}
