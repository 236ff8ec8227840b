package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/procvm/vm"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS gc_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	program        TEXT NOT NULL,
	program_name   TEXT NOT NULL,
	process        INTEGER NOT NULL,
	heap           TEXT NOT NULL,
	kind           TEXT NOT NULL,
	used_before    INTEGER NOT NULL,
	used_after     INTEGER NOT NULL,
	copied         INTEGER NOT NULL,
	promoted       INTEGER NOT NULL,
	freed          INTEGER NOT NULL,
	weak_callbacks INTEGER NOT NULL,
	stack_chain    INTEGER NOT NULL,
	duration_ns    INTEGER NOT NULL,
	time_ns        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS gc_events_program ON gc_events (program_name);
`

// storeQueueSize bounds the records waiting for the writer. Collections
// never block on the database; records beyond the bound are dropped.
const storeQueueSize = 4096

type storeOp struct {
	record  Record
	flushed chan struct{}
}

// Store keeps collection records in a SQLite database. Records are written
// by a single goroutine so that collecting workers never wait on disk.
type Store struct {
	db  *sql.DB
	ops chan storeOp

	mu      sync.RWMutex // guards closed against sends on ops
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// OpenStore opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// admits a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	s := &Store{
		db:   db,
		ops:  make(chan storeOp, storeQueueSize),
		done: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) RecordCollection(ev vm.GCEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- storeOp{record: NewRecord(ev)}:
	default:
		if s.dropped.Add(1) == 1 {
			logger.Warningf("store: writer behind, dropping records")
		}
	}
}

// Flush waits until every record queued before the call is written.
func (s *Store) Flush() {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	flushed := make(chan struct{})
	s.ops <- storeOp{flushed: flushed}
	s.mu.RUnlock()
	<-flushed
}

// Dropped returns the number of records lost to a full queue.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Written returns the number of records inserted.
func (s *Store) Written() int64 { return s.written.Load() }

// Close writes the queued records and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)
	for op := range s.ops {
		if op.flushed != nil {
			close(op.flushed)
			continue
		}
		if err := s.insert(op.record); err != nil {
			logger.Errorf("store: %s", err)
			continue
		}
		s.written.Add(1)
	}
}

func (s *Store) insert(r Record) error {
	_, err := s.db.Exec(`INSERT INTO gc_events (
		program, program_name, process, heap, kind,
		used_before, used_after, copied, promoted, freed,
		weak_callbacks, stack_chain, duration_ns, time_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Program, r.ProgramName, int64(r.Process), r.Heap, r.Kind,
		r.UsedBefore, r.UsedAfter, r.Copied, r.Promoted, r.Freed,
		r.WeakCallbacks, r.StackChain, r.DurationNs, r.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Events returns the most recent records of a program, newest first. An
// empty name selects every program; limit <= 0 returns all of them.
func (s *Store) Events(ctx context.Context, programName string, limit int) ([]Record, error) {
	q := `SELECT program, program_name, process, heap, kind,
		used_before, used_after, copied, promoted, freed,
		weak_callbacks, stack_chain, duration_ns, time_ns
		FROM gc_events`
	var args []any
	if programName != "" {
		q += " WHERE program_name = ?"
		args = append(args, programName)
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var process, timeNs int64
		if err := rows.Scan(&r.Program, &r.ProgramName, &process, &r.Heap, &r.Kind,
			&r.UsedBefore, &r.UsedAfter, &r.Copied, &r.Promoted, &r.Freed,
			&r.WeakCallbacks, &r.StackChain, &r.DurationNs, &timeNs); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		r.Process = uint64(process)
		r.Time = time.Unix(0, timeNs).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// ProgramSummary aggregates the records of one program.
type ProgramSummary struct {
	ProgramName string
	Collections int
	Scavenges   int
	MarkSweeps  int
	Freed       int64
	TotalPause  time.Duration
	MaxPause    time.Duration
}

// Summary aggregates the records per program, ordered by name.
func (s *Store) Summary(ctx context.Context) ([]ProgramSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT program_name, COUNT(*),
		SUM(CASE WHEN kind = 'scavenge' THEN 1 ELSE 0 END),
		SUM(CASE WHEN kind = 'mark-sweep' THEN 1 ELSE 0 END),
		SUM(freed), SUM(duration_ns), MAX(duration_ns)
		FROM gc_events GROUP BY program_name ORDER BY program_name`)
	if err != nil {
		return nil, fmt.Errorf("querying summary: %w", err)
	}
	defer rows.Close()

	var out []ProgramSummary
	for rows.Next() {
		var ps ProgramSummary
		var total, max int64
		if err := rows.Scan(&ps.ProgramName, &ps.Collections, &ps.Scavenges, &ps.MarkSweeps,
			&ps.Freed, &total, &max); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		ps.TotalPause = time.Duration(total)
		ps.MaxPause = time.Duration(max)
		out = append(out, ps)
	}
	return out, rows.Err()
}
