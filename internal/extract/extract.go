// Package extract reads source rows in bounded chunks. Tables with a
// usable ordering key are paged by keyset (exclusive lower bound on the
// key), everything else is streamed through a single full-scan cursor.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/logging"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Mode selects the chunking strategy.
type Mode int

const (
	// ModeKeyset pages with an exclusive lower bound on the ordering key.
	ModeKeyset Mode = iota
	// ModeFullScan streams a single unordered cursor in chunk-size slices.
	ModeFullScan
)

// Options configures an Extractor for one table.
type Options struct {
	Schema  string
	Table   string
	Columns []string
	// KeyColumn is the ordering key for keyset mode. Must be one of
	// Columns. Ignored in full-scan mode.
	KeyColumn string
	ChunkSize int
	// Start and StartBound seed the first chunk's lower bound. A
	// persisted cursor resumes with BoundExclusive; a configured
	// starting watermark begins with BoundInclusive.
	Start      any
	StartBound dialect.Bound
	Mode       Mode
}

// Chunk is one batch of extracted rows. Rows hold values in Columns
// order. LastKey is the ordering-key value of the final row, nil in
// full-scan mode. Final marks the last chunk of the table.
type Chunk struct {
	Index   int
	Rows    [][]any
	LastKey any
	Final   bool

	// QueryTime is how long the chunk's SELECT took.
	QueryTime time.Duration
}

// Extractor pulls chunks one at a time. Not safe for concurrent use; the
// engine drives each table's extractor from a single goroutine.
type Extractor struct {
	db     Querier
	d      dialect.Dialect
	opts   Options
	keyIdx int

	idx     int
	lastKey any
	bound   dialect.Bound
	done    bool

	// scan cursor, full-scan mode only
	stream *sql.Rows
}

// New builds an extractor. In keyset mode KeyColumn must appear in
// Columns.
func New(db Querier, d dialect.Dialect, opts Options) (*Extractor, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	e := &Extractor{
		db:      db,
		d:       d,
		opts:    opts,
		keyIdx:  -1,
		lastKey: opts.Start,
		bound:   opts.StartBound,
	}
	if opts.Mode == ModeKeyset {
		for i, c := range opts.Columns {
			if c == opts.KeyColumn {
				e.keyIdx = i
				break
			}
		}
		if e.keyIdx < 0 {
			return nil, fmt.Errorf("ordering key %q is not among the selected columns", opts.KeyColumn)
		}
		if opts.Start == nil {
			e.bound = dialect.BoundNone
		}
	}
	return e, nil
}

// Next returns the next chunk, or (nil, nil) once the table is exhausted.
// In keyset mode a returned error leaves the extractor positioned at the
// same chunk, so the caller may retry Next after a transient failure. In
// full-scan mode the cursor is opened by the first Next and stays open
// until exhaustion, so every call must use the same live context; an
// error discards the cursor and the caller restarts the whole table.
func (e *Extractor) Next(ctx context.Context) (*Chunk, error) {
	if e.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.opts.Mode == ModeFullScan {
		return e.nextStream(ctx)
	}
	return e.nextKeyset(ctx)
}

func (e *Extractor) nextKeyset(ctx context.Context) (*Chunk, error) {
	query := e.d.BuildKeysetQuery(e.opts.Columns, e.opts.Schema, e.opts.Table,
		e.opts.KeyColumn, e.bound, e.opts.ChunkSize)

	var args []any
	if e.bound != dialect.BoundNone {
		args = append(args, e.lastKey)
	}

	logging.Debug("extract chunk %d from %s: %s", e.idx, e.opts.Table, query)

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyset query for %s: %w", e.opts.Table, err)
	}
	queryTime := time.Since(start)

	chunk := &Chunk{Index: e.idx, QueryTime: queryTime}
	width := len(e.opts.Columns)
	for rows.Next() {
		row := make([]any, width)
		ptrs := make([]any, width)
		for j := range row {
			ptrs[j] = &row[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning %s: %w", e.opts.Table, err)
		}
		chunk.Rows = append(chunk.Rows, row)
		chunk.LastKey = row[e.keyIdx]
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.opts.Table, err)
	}

	if len(chunk.Rows) == 0 {
		e.done = true
		return nil, nil
	}

	// Only advance position after a successful read so a retried Next
	// re-requests the same chunk.
	e.idx++
	e.lastKey = chunk.LastKey
	e.bound = dialect.BoundExclusive

	if len(chunk.Rows) < e.opts.ChunkSize {
		chunk.Final = true
		e.done = true
	}
	return chunk, nil
}

func (e *Extractor) nextStream(ctx context.Context) (*Chunk, error) {
	var queryTime time.Duration
	if e.stream == nil {
		query := e.d.BuildFullScanQuery(e.opts.Columns, e.opts.Schema, e.opts.Table)
		logging.Debug("extract full scan of %s: %s", e.opts.Table, query)

		start := time.Now()
		rows, err := e.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("full scan query for %s: %w", e.opts.Table, err)
		}
		queryTime = time.Since(start)
		e.stream = rows
	}

	chunk := &Chunk{Index: e.idx, QueryTime: queryTime}
	width := len(e.opts.Columns)
	for len(chunk.Rows) < e.opts.ChunkSize && e.stream.Next() {
		row := make([]any, width)
		ptrs := make([]any, width)
		for j := range row {
			ptrs[j] = &row[j]
		}
		if err := e.stream.Scan(ptrs...); err != nil {
			e.closeStream()
			return nil, fmt.Errorf("scanning %s: %w", e.opts.Table, err)
		}
		chunk.Rows = append(chunk.Rows, row)
	}

	if len(chunk.Rows) < e.opts.ChunkSize {
		err := e.stream.Err()
		e.closeStream()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.opts.Table, err)
		}
		e.done = true
		if len(chunk.Rows) == 0 {
			return nil, nil
		}
		chunk.Final = true
	}
	e.idx++
	return chunk, nil
}

func (e *Extractor) closeStream() {
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
}

// Close releases any open cursor. Needed only when a full scan is
// abandoned before exhaustion.
func (e *Extractor) Close() error {
	if e.stream != nil {
		err := e.stream.Close()
		e.stream = nil
		return err
	}
	return nil
}

// CountQuery returns the row-count query used for pre-flight estimates,
// honoring the same lower bound as the first chunk.
func CountQuery(d dialect.Dialect, opts Options) (string, []any) {
	table := d.QualifyTable(opts.Schema, opts.Table)
	if opts.Mode == ModeFullScan || opts.StartBound == dialect.BoundNone || opts.Start == nil {
		return fmt.Sprintf("SELECT COUNT(*) FROM %s", table), nil
	}
	op := ">"
	if opts.StartBound == dialect.BoundInclusive {
		op = ">="
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s %s %s",
		table, d.QuoteIdentifier(opts.KeyColumn), op, d.Placeholder(1))
	return q, []any{opts.Start}
}
