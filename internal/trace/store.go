package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/torfs-project/torfs/internal/relay"
)

//go:embed schema.sql
var schemaSQL string

// insertBatchSize bounds how many events accumulate before a transaction
// commit. Large runs produce millions of events; per-row commits would
// dominate the run time.
const insertBatchSize = 1024

// Store persists traces to SQLite. One Store can hold many runs, keyed by
// a UUIDv7 run ID, so repeated experiments land in a single database.
//
// Store implements Sink for the run created by BeginRun.
type Store struct {
	db *sql.DB

	runID   string
	pending []Event
}

// OpenStore creates or opens a trace database at path.
//
// The database is configured with WAL mode, NORMAL synchronous mode, a
// 5-second busy timeout and foreign key enforcement. SQLite allows a
// single writer, so the connection pool is capped at one.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect trace db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply trace schema: %w", err)
	}

	return &Store{db: db}, nil
}

// BeginRun registers a new run and makes it the target of subsequent
// WriteEvent calls. Returns the run ID.
func (s *Store) BeginRun(ctx context.Context, seed uint64, users, shards int) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, seed, users, shards)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), time.Now().UTC().Format(time.RFC3339), int64(seed), users, shards)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}

	s.runID = id.String()
	s.pending = s.pending[:0]
	return s.runID, nil
}

// WriteEvent buffers an event for the current run, flushing in batches.
func (s *Store) WriteEvent(ev Event) error {
	if s.runID == "" {
		return fmt.Errorf("write event: no run begun")
	}
	s.pending = append(s.pending, ev)
	if len(s.pending) >= insertBatchSize {
		return s.Flush()
	}
	return nil
}

// Flush commits all buffered events in one transaction.
func (s *Store) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("flush events: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.Prepare(`
		INSERT INTO events
		(run_id, seq, time_ns, user, user_seq, kind, circuit, stream, guard, exit, port, bytes, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("flush events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range s.pending {
		_, err := stmt.Exec(
			s.runID,
			int64(ev.Seq),
			ev.Time.UTC().UnixNano(),
			int64(ev.User),
			int64(ev.UserSeq),
			string(ev.Kind),
			int64(ev.Circuit),
			int64(ev.Stream),
			string(ev.Guard),
			string(ev.Exit),
			int64(ev.Port),
			int64(ev.Bytes),
			ev.Reason,
		)
		if err != nil {
			return fmt.Errorf("flush events: insert seq %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush events: commit: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

// Close flushes buffered events and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	flushErr := s.Flush()
	closeErr := s.db.Close()
	s.db = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Runs lists run IDs in creation order.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadRun loads a run's full trace in global order.
func (s *Store) ReadRun(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, time_ns, user, user_seq, kind, circuit, stream, guard, exit, port, bytes, reason
		FROM events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanEvents(rows, runID)
}

// ReadUser loads one user's timeline from a run, in trace order.
func (s *Store) ReadUser(ctx context.Context, runID string, user uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, time_ns, user, user_seq, kind, circuit, stream, guard, exit, port, bytes, reason
		FROM events WHERE run_id = ? AND user = ? ORDER BY seq
	`, runID, int64(user))
	if err != nil {
		return nil, fmt.Errorf("read run %s user %d: %w", runID, user, err)
	}
	defer rows.Close()
	return scanEvents(rows, runID)
}

func scanEvents(rows *sql.Rows, runID string) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev                                             Event
			seq, timeNS, user, userSeq, circ, stream, port int64
			bytes                                          int64
			kind, guard, exit, reason                      string
		)
		err := rows.Scan(&seq, &timeNS, &user, &userSeq, &kind, &circ, &stream, &guard, &exit, &port, &bytes, &reason)
		if err != nil {
			return nil, fmt.Errorf("scan run %s: %w", runID, err)
		}
		ev.Seq = uint64(seq)
		ev.Time = time.Unix(0, timeNS).UTC()
		ev.User = uint64(user)
		ev.UserSeq = uint64(userSeq)
		ev.Kind = Kind(kind)
		ev.Circuit = uint64(circ)
		ev.Stream = uint64(stream)
		ev.Guard = relay.Fingerprint(guard)
		ev.Exit = relay.Fingerprint(exit)
		ev.Port = uint16(port)
		ev.Bytes = uint64(bytes)
		ev.Reason = reason
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RunStats summarizes a run for the CLI.
type RunStats struct {
	Events        int64
	Users         int64
	StreamsOK     int64
	StreamsFailed int64
	CircuitsOpen  int64
	CircuitsFail  int64
}

// Stats aggregates per-kind counts for a run.
func (s *Store) Stats(ctx context.Context, runID string) (RunStats, error) {
	var st RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT user),
			COALESCE(SUM(kind = 'stream_completed'), 0),
			COALESCE(SUM(kind = 'stream_failed'), 0),
			COALESCE(SUM(kind = 'circuit_open'), 0),
			COALESCE(SUM(kind = 'circuit_failed'), 0)
		FROM events WHERE run_id = ?
	`, runID).Scan(&st.Events, &st.Users, &st.StreamsOK, &st.StreamsFailed, &st.CircuitsOpen, &st.CircuitsFail)
	if err != nil {
		return RunStats{}, fmt.Errorf("stats for run %s: %w", runID, err)
	}
	return st, nil
}
