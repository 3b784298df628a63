// Package state persists per-table transfer progress and watermark cursors
// in a local SQLite database, so an interrupted run can resume from the
// last committed chunk. Every update is an idempotent read-modify-write
// keyed by table identity.
package state

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of one table's transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TransferState is the persisted progress record for one table.
type TransferState struct {
	TableID         string
	Status          Status
	RowsTransferred int64
	// LastCursor is the ordering-key value of the last committed chunk,
	// empty when none committed yet.
	LastCursor any
	LastError  string
	UpdatedAt  time.Time
}

// WatermarkState is the persisted incremental cursor for one table.
type WatermarkState struct {
	TableID   string
	Column    string
	LastValue any
	UpdatedAt time.Time
}

// Store is a SQLite-backed state store. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	dry_run     INTEGER NOT NULL DEFAULT 0,
	total_rows  INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS transfer_state (
	table_id         TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	rows_transferred INTEGER NOT NULL DEFAULT 0,
	last_cursor      TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS watermarks (
	table_id    TEXT PRIMARY KEY,
	column_name TEXT NOT NULL,
	last_value  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent table workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run.
func (s *Store) CreateRun(id string, dryRun bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, status, dry_run, started_at) VALUES (?, 'running', ?, ?)`,
		id, boolInt(dryRun), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("creating run %s: %w", id, err)
	}
	return nil
}

// CompleteRun records a run's terminal status.
func (s *Store) CompleteRun(id, status string, totalRows int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, total_rows = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, totalRows, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return nil
}

// Run is one row of run history.
type Run struct {
	ID         string
	Status     string
	DryRun     bool
	TotalRows  int64
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Runs returns run history, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, status, dry_run, total_rows, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			dry      int
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Status, &dry, &r.TotalRows, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.DryRun = dry != 0
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transfer returns the persisted state for a table, or nil when none
// exists.
func (s *Store) Transfer(tableID string) (*TransferState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLocked(tableID)
}

func (s *Store) transferLocked(tableID string) (*TransferState, error) {
	row := s.db.QueryRow(
		`SELECT status, rows_transferred, last_cursor, last_error, updated_at
		 FROM transfer_state WHERE table_id = ?`, tableID)

	ts := &TransferState{TableID: tableID}
	var cursor string
	err := row.Scan(&ts.Status, &ts.RowsTransferred, &cursor, &ts.LastError, &ts.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading transfer state for %s: %w", tableID, err)
	}
	if cursor != "" {
		v, err := DecodeValue(cursor)
		if err != nil {
			return nil, fmt.Errorf("decoding cursor for %s: %w", tableID, err)
		}
		ts.LastCursor = v
	}
	return ts, nil
}

// ListTransfers returns all persisted transfer states.
func (s *Store) ListTransfers() ([]TransferState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT table_id, status, rows_transferred, last_cursor, last_error, updated_at
		 FROM transfer_state ORDER BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("listing transfer state: %w", err)
	}
	defer rows.Close()

	var out []TransferState
	for rows.Next() {
		var (
			ts     TransferState
			cursor string
		)
		if err := rows.Scan(&ts.TableID, &ts.Status, &ts.RowsTransferred, &cursor, &ts.LastError, &ts.UpdatedAt); err != nil {
			return nil, err
		}
		if cursor != "" {
			if ts.LastCursor, err = DecodeValue(cursor); err != nil {
				return nil, err
			}
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SetStatus upserts a table's status, preserving accumulated row counts.
func (s *Store) SetStatus(tableID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO transfer_state (table_id, status, last_error, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_id) DO UPDATE SET status = excluded.status,
		     last_error = excluded.last_error, updated_at = excluded.updated_at`,
		tableID, status, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", tableID, err)
	}
	return nil
}

// RecordChunk adds a committed chunk's row count and cursor to a table's
// state. Call only after the destination transaction has committed.
func (s *Store) RecordChunk(tableID string, rows int64, cursor any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := ""
	if cursor != nil {
		var err error
		if enc, err = EncodeValue(cursor); err != nil {
			return fmt.Errorf("encoding cursor for %s: %w", tableID, err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO transfer_state (table_id, status, rows_transferred, last_cursor, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(table_id) DO UPDATE SET
		     rows_transferred = transfer_state.rows_transferred + excluded.rows_transferred,
		     last_cursor = excluded.last_cursor,
		     updated_at = excluded.updated_at`,
		tableID, StatusInProgress, rows, enc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording chunk for %s: %w", tableID, err)
	}
	return nil
}

// ResetTable clears persisted state for one table.
func (s *Store) ResetTable(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM transfer_state WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("resetting transfer state for %s: %w", tableID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM watermarks WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("resetting watermark for %s: %w", tableID, err)
	}
	return nil
}

// ResetAll clears all persisted per-table state, keeping run history.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM transfer_state`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM watermarks`)
	return err
}

// Watermark returns the persisted watermark for a table, or nil.
func (s *Store) Watermark(tableID string) (*WatermarkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT column_name, last_value, updated_at FROM watermarks WHERE table_id = ?`, tableID)

	ws := &WatermarkState{TableID: tableID}
	var enc string
	err := row.Scan(&ws.Column, &enc, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading watermark for %s: %w", tableID, err)
	}
	if ws.LastValue, err = DecodeValue(enc); err != nil {
		return nil, fmt.Errorf("decoding watermark for %s: %w", tableID, err)
	}
	return ws, nil
}

// AdvanceWatermark persists a new watermark value. The caller must only
// invoke this after the owning chunk's destination transaction committed.
// Regressions are rejected: losing ground would re-deliver or skip rows on
// the next run.
func (s *Store) AdvanceWatermark(tableID, column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT last_value FROM watermarks WHERE table_id = ?`, tableID)
	var prevEnc string
	switch err := row.Scan(&prevEnc); err {
	case nil:
		prev, err := DecodeValue(prevEnc)
		if err != nil {
			return fmt.Errorf("decoding watermark for %s: %w", tableID, err)
		}
		if CompareValues(value, prev) < 0 {
			return fmt.Errorf("watermark regression for %s: %v < %v", tableID, value, prev)
		}
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("reading watermark for %s: %w", tableID, err)
	}

	enc, err := EncodeValue(value)
	if err != nil {
		return fmt.Errorf("encoding watermark for %s: %w", tableID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO watermarks (table_id, column_name, last_value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_id) DO UPDATE SET column_name = excluded.column_name,
		     last_value = excluded.last_value, updated_at = excluded.updated_at`,
		tableID, column, enc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", tableID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncodeValue serializes a cursor/watermark value with a type tag so it
// round-trips through TEXT storage.
func EncodeValue(v any) (string, error) {
	switch x := v.(type) {
	case int64:
		return "i:" + strconv.FormatInt(x, 10), nil
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int32:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return "s:" + x, nil
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return "b:" + hex.EncodeToString(x), nil
	}
	return "", fmt.Errorf("unsupported cursor type %T", v)
}

// DecodeValue reverses EncodeValue.
func DecodeValue(s string) (any, error) {
	if len(s) < 2 || s[1] != ':' {
		return nil, fmt.Errorf("malformed encoded value %q", s)
	}
	tag, rest := s[0], s[2:]
	switch tag {
	case 'i':
		return strconv.ParseInt(rest, 10, 64)
	case 'f':
		return strconv.ParseFloat(rest, 64)
	case 's':
		return rest, nil
	case 't':
		return time.Parse(time.RFC3339Nano, rest)
	case 'b':
		return hex.DecodeString(rest)
	}
	return nil, fmt.Errorf("unknown value tag %q", string(tag))
}

// CompareValues orders two cursor values of the same family. Returns -1, 0,
// or 1. Values of incomparable types compare equal so callers never loop.
func CompareValues(a, b any) int {
	an, aok := asInt64(a)
	bn, bok := asInt64(b)
	if aok && bok {
		return cmpOrdered(an, bn)
	}
	af, aok := asFloat64(a)
	bf, bok := asFloat64(b)
	if aok && bok {
		return cmpOrdered(af, bf)
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	}
	return 0
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint32:
		return int64(x), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}
