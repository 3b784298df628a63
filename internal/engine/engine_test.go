package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/conn"
	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/load"
	"github.com/lokraj/data-migration-tool/internal/progress"
	"github.com/lokraj/data-migration-tool/internal/schema"
	"github.com/lokraj/data-migration-tool/internal/state"

	_ "modernc.org/sqlite"
)

// sqliteDialect reuses the MySQL dialect, whose quoting and LIMIT syntax
// SQLite accepts, swapping the conflict clauses for SQLite's forms so the
// engine can be exercised against a real database.
type sqliteDialect struct {
	*dialect.MySQL
}

func (d sqliteDialect) BuildInsertSkipConflicts(schemaName, table string, cols, _ []string, rowCount int) string {
	base := d.BuildInsert(schemaName, table, cols, rowCount)
	return strings.Replace(base, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
}

func (d sqliteDialect) BuildUpsert(schemaName, table string, cols, keyCols []string, rowCount int) string {
	isKey := make(map[string]bool, len(keyCols))
	quotedKeys := make([]string, len(keyCols))
	for i, k := range keyCols {
		isKey[k] = true
		quotedKeys[i] = d.QuoteIdentifier(k)
	}
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		q := d.QuoteIdentifier(c)
		sets = append(sets, q+" = excluded."+q)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		d.BuildInsert(schemaName, table, cols, rowCount),
		strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
}

type stubInspector map[string]*schema.Table

func (s stubInspector) Table(_ context.Context, schemaName, table string) (*schema.Table, error) {
	if t, ok := s[table]; ok {
		return t, nil
	}
	return nil, &schema.NotFoundError{Schema: schemaName, Table: table}
}

type fixture struct {
	engine *Engine
	source *sql.DB
	target *sql.DB
	store  *state.Store
}

func newFixture(t *testing.T, opts config.Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	d := sqliteDialect{&dialect.MySQL{}}

	srcDB, err := sql.Open("sqlite", filepath.Join(dir, "src.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srcDB.Close() })
	dstDB, err := sql.Open("sqlite", filepath.Join(dir, "dst.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dstDB.Close() })
	dstDB.SetMaxOpenConns(1)

	store, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if opts.ChunkSize == 0 {
		opts.ChunkSize = 5000
	}
	if opts.OnConflict == "" {
		opts.OnConflict = "nothing"
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}

	eng := New(&conn.Handle{DB: srcDB, Dialect: d}, &conn.Handle{DB: dstDB, Dialect: d}, store, opts)
	return &fixture{engine: eng, source: srcDB, target: dstDB, store: store}
}

func ordersTable() *schema.Table {
	return &schema.Table{
		Name: "orders",
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", OrdinalPos: 1},
			{Name: "name", DataType: "varchar", MaxLength: 100, Nullable: true, OrdinalPos: 2},
		},
		PrimaryKey: []string{"id"},
	}
}

func (f *fixture) seedSource(t *testing.T, n int) {
	t.Helper()
	if _, err := f.source.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	tx, err := f.source.Begin()
	if err != nil {
		t.Fatal(err)
	}
	stmt, err := tx.Prepare(`INSERT INTO orders (id, name) VALUES (?, ?)`)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		if _, err := stmt.Exec(i, fmt.Sprintf("order-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) createDest(t *testing.T) {
	t.Helper()
	if _, err := f.target.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) destCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.target.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func baseTableConfig() config.TableConfig {
	return config.TableConfig{SourceTable: "orders", DestTable: "orders"}
}

func TestTransferEndToEnd(t *testing.T) {
	f := newFixture(t, config.Options{})
	f.seedSource(t, 12345)
	f.createDest(t)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	var committed []progress.Event
	f.engine.Listener = func(ev progress.Event) {
		if ev.Phase == progress.PhaseCommitted {
			committed = append(committed, ev)
		}
	}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if res.Rows != 12345 || res.Chunks != 3 {
		t.Errorf("rows=%d chunks=%d, want 12345/3", res.Rows, res.Chunks)
	}
	if got := f.destCount(t); got != 12345 {
		t.Errorf("destination rows = %d, want 12345", got)
	}
	if len(committed) != 3 {
		t.Errorf("committed events = %d, want 3", len(committed))
	}

	ts, err := f.store.Transfer("orders")
	if err != nil {
		t.Fatal(err)
	}
	if ts == nil || ts.Status != state.StatusCompleted {
		t.Fatalf("state = %+v, want completed", ts)
	}
	if cur, ok := ts.LastCursor.(int64); !ok || cur != 12345 {
		t.Errorf("cursor = %v, want 12345", ts.LastCursor)
	}
}

func TestTransferDryRun(t *testing.T) {
	f := newFixture(t, config.Options{DryRun: true, ChunkSize: 1000})
	f.seedSource(t, 2500)
	f.createDest(t)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if res.Rows != 2500 {
		t.Errorf("rows = %d, want 2500", res.Rows)
	}
	if got := f.destCount(t); got != 0 {
		t.Errorf("dry run wrote %d rows", got)
	}
	if ts, _ := f.store.Transfer("orders"); ts != nil {
		t.Errorf("dry run persisted state %+v", ts)
	}
}

func TestTransferResumeFromCursor(t *testing.T) {
	f := newFixture(t, config.Options{ChunkSize: 1000})
	f.seedSource(t, 3000)
	f.createDest(t)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	// A previous run committed through id 2000 and was interrupted.
	if err := f.store.RecordChunk("orders", 2000, int64(2000)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetStatus("orders", state.StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if res.Rows != 1000 {
		t.Errorf("resumed rows = %d, want 1000", res.Rows)
	}
	if got := f.destCount(t); got != 1000 {
		t.Errorf("destination rows = %d, want 1000 (only the resumed tail)", got)
	}
	var minID int64
	if err := f.target.QueryRow(`SELECT MIN(id) FROM orders`).Scan(&minID); err != nil {
		t.Fatal(err)
	}
	if minID != 2001 {
		t.Errorf("first resumed id = %d, want 2001", minID)
	}
}

func TestTransferFullScanMultiChunk(t *testing.T) {
	// A table with no watermark and no usable single-column key streams
	// through one cursor that must survive across chunk boundaries.
	f := newFixture(t, config.Options{ChunkSize: 1000})
	f.seedSource(t, 2500)
	f.createDest(t)
	keyless := ordersTable()
	keyless.PrimaryKey = nil
	f.engine.SourceInspector = stubInspector{"orders": keyless}
	f.engine.TargetInspector = stubInspector{"orders": keyless}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if res.Rows != 2500 || res.Chunks != 3 {
		t.Errorf("rows=%d chunks=%d, want 2500/3", res.Rows, res.Chunks)
	}
	if got := f.destCount(t); got != 2500 {
		t.Errorf("destination rows = %d, want 2500", got)
	}
	if ts, _ := f.store.Transfer("orders"); ts == nil || ts.Status != state.StatusCompleted {
		t.Errorf("state = %+v, want completed", ts)
	}
}

func TestTransferWatermark(t *testing.T) {
	f := newFixture(t, config.Options{ChunkSize: 1000})
	f.seedSource(t, 500)
	f.createDest(t)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	tc := baseTableConfig()
	tc.Watermark = &config.WatermarkConfig{Column: "id", Since: "101"}

	res := f.engine.TransferTable(context.Background(), tc)
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	// Inclusive lower bound: ids 101..500.
	if res.Rows != 400 {
		t.Errorf("rows = %d, want 400", res.Rows)
	}

	ws, err := f.store.Watermark("orders")
	if err != nil {
		t.Fatal(err)
	}
	if ws == nil || ws.Column != "id" {
		t.Fatalf("watermark = %+v", ws)
	}
	if v, ok := ws.LastValue.(int64); !ok || v != 500 {
		t.Errorf("watermark value = %v, want 500", ws.LastValue)
	}

	// New source rows appear; the next run picks up strictly after 500.
	if _, err := f.source.Exec(`INSERT INTO orders (id, name) VALUES (501, 'a'), (502, 'b')`); err != nil {
		t.Fatal(err)
	}
	res = f.engine.TransferTable(context.Background(), tc)
	if res.Err != nil {
		t.Fatalf("second run: %v", res.Err)
	}
	if res.Rows != 2 {
		t.Errorf("incremental rows = %d, want 2", res.Rows)
	}
	if got := f.destCount(t); got != 402 {
		t.Errorf("destination rows = %d, want 402", got)
	}
}

func TestTransferConflictUpdate(t *testing.T) {
	f := newFixture(t, config.Options{OnConflict: "update"})
	f.seedSource(t, 10)
	f.createDest(t)
	if _, err := f.target.Exec(`INSERT INTO orders (id, name) VALUES (3, 'stale')`); err != nil {
		t.Fatal(err)
	}
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	var name string
	if err := f.target.QueryRow(`SELECT name FROM orders WHERE id = 3`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "order-3" {
		t.Errorf("conflicting row = %q, want overwritten value", name)
	}
	if got := f.destCount(t); got != 10 {
		t.Errorf("destination rows = %d, want 10", got)
	}
}

func TestTransferConflictNothingSkips(t *testing.T) {
	f := newFixture(t, config.Options{})
	f.seedSource(t, 10)
	f.createDest(t)
	if _, err := f.target.Exec(`INSERT INTO orders (id, name) VALUES (3, 'kept')`); err != nil {
		t.Fatal(err)
	}
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
	var name string
	if err := f.target.QueryRow(`SELECT name FROM orders WHERE id = 3`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "kept" {
		t.Errorf("existing row = %q, want untouched", name)
	}
}

func TestTransferAutoCreate(t *testing.T) {
	f := newFixture(t, config.Options{CreateTables: true})
	f.seedSource(t, 25)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	if !res.Created {
		t.Error("expected table creation")
	}
	if got := f.destCount(t); got != 25 {
		t.Errorf("destination rows = %d, want 25", got)
	}
}

func TestTransferDestMissingWithoutCreate(t *testing.T) {
	f := newFixture(t, config.Options{})
	f.seedSource(t, 5)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	var ve *ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("expected ValidationError, got %v", res.Err)
	}
	if ts, _ := f.store.Transfer("orders"); ts == nil || ts.Status != state.StatusFailed {
		t.Errorf("state = %+v, want failed", ts)
	}
}

func TestTransferSourceMissing(t *testing.T) {
	f := newFixture(t, config.Options{})
	f.engine.SourceInspector = stubInspector{}
	f.engine.TargetInspector = stubInspector{}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	var ve *ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("expected ValidationError, got %v", res.Err)
	}
}

func TestTransferUpdatePolicyWithoutKey(t *testing.T) {
	f := newFixture(t, config.Options{OnConflict: "update"})
	f.seedSource(t, 5)
	f.createDest(t)
	keyless := ordersTable()
	keyless.PrimaryKey = nil
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": keyless}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	var cpe *load.ConflictPolicyError
	if !errors.As(res.Err, &cpe) {
		t.Fatalf("expected ConflictPolicyError, got %v", res.Err)
	}
	if got := f.destCount(t); got != 0 {
		t.Errorf("pre-flight failure wrote %d rows", got)
	}
}

func TestTransferRowTransform(t *testing.T) {
	f := newFixture(t, config.Options{})
	f.seedSource(t, 3)
	f.createDest(t)
	f.engine.SourceInspector = stubInspector{"orders": ordersTable()}
	f.engine.TargetInspector = stubInspector{"orders": ordersTable()}
	f.engine.Transform = func(row []any) []any {
		if s, ok := row[1].(string); ok {
			row[1] = strings.ToUpper(s)
		}
		return row
	}

	res := f.engine.TransferTable(context.Background(), baseTableConfig())
	if res.Err != nil {
		t.Fatalf("TransferTable: %v", res.Err)
	}
	var name string
	if err := f.target.QueryRow(`SELECT name FROM orders WHERE id = 1`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "ORDER-1" {
		t.Errorf("transformed row = %q, want ORDER-1", name)
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"3.5", 3.5},
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		got := ParseSince(tt.in)
		switch want := tt.want.(type) {
		case time.Time:
			if g, ok := got.(time.Time); !ok || !g.Equal(want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.in, got, want)
			}
		default:
			if got != tt.want {
				t.Errorf("ParseSince(%q) = %v (%T), want %v", tt.in, got, got, tt.want)
			}
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset by peer"), true},
		{errors.New("deadlock detected"), true},
		{errors.New("syntax error"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&CommitError{Table: "t", Err: errors.New("connection reset")}, false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
