package load

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/schema"
)

func mustDialect(t *testing.T, name string) dialect.Dialect {
	t.Helper()
	d := dialect.Get(name)
	if d == nil {
		t.Fatalf("dialect %s not registered", name)
	}
	return d
}

func TestResolve(t *testing.T) {
	dst := &schema.Table{
		Name:       "orders",
		PrimaryKey: []string{"id"},
		UniqueKeys: [][]string{{"region", "order_no"}},
	}

	tests := []struct {
		name     string
		policy   Policy
		cols     []string
		wantKeys []string
		wantErr  bool
	}{
		{"nothing with pk", PolicyNothing, []string{"id", "total"}, []string{"id"}, false},
		{"nothing without keys covered", PolicyNothing, []string{"total"}, nil, false},
		{"update via pk", PolicyUpdate, []string{"id", "total"}, []string{"id"}, false},
		{"update via unique key", PolicyUpdate, []string{"region", "order_no", "total"}, []string{"region", "order_no"}, false},
		{"update pk preferred", PolicyUpdate, []string{"id", "region", "order_no"}, []string{"id"}, false},
		{"update uncovered", PolicyUpdate, []string{"total"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(tt.policy, dst, tt.cols)
			if tt.wantErr {
				var cpe *ConflictPolicyError
				if !errors.As(err, &cpe) {
					t.Fatalf("expected ConflictPolicyError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if len(plan.KeyCols) != len(tt.wantKeys) {
				t.Fatalf("keys = %v, want %v", plan.KeyCols, tt.wantKeys)
			}
			for i := range tt.wantKeys {
				if plan.KeyCols[i] != tt.wantKeys[i] {
					t.Errorf("keys = %v, want %v", plan.KeyCols, tt.wantKeys)
				}
			}
		})
	}
}

func TestResolveUpdateNoKeysAtAll(t *testing.T) {
	dst := &schema.Table{Name: "log_lines"}
	_, err := Resolve(PolicyUpdate, dst, []string{"line"})
	var cpe *ConflictPolicyError
	if !errors.As(err, &cpe) {
		t.Fatalf("expected ConflictPolicyError, got %v", err)
	}
	if !strings.Contains(cpe.Error(), "no primary or unique key") {
		t.Errorf("unexpected message %q", cpe.Error())
	}
}

func TestResolveUnknownPolicy(t *testing.T) {
	if _, err := Resolve(Policy("merge"), &schema.Table{}, nil); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

// fakeExecer records statements instead of executing them.
type fakeExecer struct {
	queries []string
	argLens []int
}

func (f *fakeExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.argLens = append(f.argLens, len(args))
	return fakeResult(int64(len(args))), nil
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func makeRows(n, width int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		row := make([]any, width)
		for j := range row {
			row[j] = int64(i*width + j)
		}
		rows[i] = row
	}
	return rows
}

func TestLoadChunkSubBatching(t *testing.T) {
	// MSSQL allows 2000 parameters; 3 columns gives 666 rows per statement,
	// so 1500 rows need 3 statements.
	d := mustDialect(t, "mssql")
	l, err := NewLoader(d, "dbo", "items", []string{"a", "b", "c"}, &Plan{Shape: ShapeInsert})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.MaxRowsPerStatement() != 666 {
		t.Fatalf("max rows = %d, want 666", l.MaxRowsPerStatement())
	}

	ex := &fakeExecer{}
	res, err := l.LoadChunk(context.Background(), ex, makeRows(1500, 3))
	if err != nil {
		t.Fatalf("LoadChunk: %v", err)
	}
	if res.Attempted != 1500 {
		t.Errorf("attempted = %d, want 1500", res.Attempted)
	}
	if len(ex.queries) != 3 {
		t.Fatalf("statements = %d, want 3", len(ex.queries))
	}
	wantArgs := []int{666 * 3, 666 * 3, 168 * 3}
	for i, n := range ex.argLens {
		if n != wantArgs[i] {
			t.Errorf("statement %d: %d args, want %d", i, n, wantArgs[i])
		}
	}
	for _, q := range ex.queries {
		if !strings.HasPrefix(q, "INSERT INTO [dbo].[items]") {
			t.Errorf("unexpected statement %q", q)
		}
	}
}

func TestLoadChunkShapes(t *testing.T) {
	d := mustDialect(t, "postgres")
	rows := makeRows(2, 2)

	tests := []struct {
		name string
		plan *Plan
		want string
	}{
		{"insert", &Plan{Shape: ShapeInsert}, `INSERT INTO "public"."t" ("a", "b") VALUES ($1, $2), ($3, $4)`},
		{"skip", &Plan{Shape: ShapeSkip, KeyCols: []string{"a"}},
			`INSERT INTO "public"."t" ("a", "b") VALUES ($1, $2), ($3, $4) ON CONFLICT DO NOTHING`},
		{"upsert", &Plan{Shape: ShapeUpsert, KeyCols: []string{"a"}},
			`INSERT INTO "public"."t" ("a", "b") VALUES ($1, $2), ($3, $4) ON CONFLICT ("a") DO UPDATE SET "b" = EXCLUDED."b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLoader(d, "public", "t", []string{"a", "b"}, tt.plan)
			if err != nil {
				t.Fatalf("NewLoader: %v", err)
			}
			ex := &fakeExecer{}
			if _, err := l.LoadChunk(context.Background(), ex, rows); err != nil {
				t.Fatalf("LoadChunk: %v", err)
			}
			if len(ex.queries) != 1 || ex.queries[0] != tt.want {
				t.Errorf("statement = %q, want %q", ex.queries[0], tt.want)
			}
		})
	}
}

func TestLoadChunkRowWidthMismatch(t *testing.T) {
	d := mustDialect(t, "postgres")
	l, err := NewLoader(d, "public", "t", []string{"a", "b"}, &Plan{Shape: ShapeInsert})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	_, err = l.LoadChunk(context.Background(), &fakeExecer{}, [][]any{{1, 2, 3}})
	if err == nil {
		t.Fatal("expected width mismatch error")
	}
}

// skipExecer reports fewer affected rows than attempted.
type skipExecer struct{ affected int64 }

func (s *skipExecer) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return fakeResult(s.affected), nil
}

func TestLoadChunkSkippedCount(t *testing.T) {
	d := mustDialect(t, "mysql")
	l, err := NewLoader(d, "", "t", []string{"a", "b"}, &Plan{Shape: ShapeSkip})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	res, err := l.LoadChunk(context.Background(), &skipExecer{affected: 7}, makeRows(10, 2))
	if err != nil {
		t.Fatalf("LoadChunk: %v", err)
	}
	if res.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", res.Skipped)
	}
}
