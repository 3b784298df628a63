// Package load writes chunks into the destination inside a caller-owned
// transaction, splitting each chunk so no statement exceeds the dialect's
// bind-parameter limit.
package load

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/schema"
)

// Policy names the configured conflict behavior.
type Policy string

const (
	// PolicyNothing leaves existing destination rows untouched.
	PolicyNothing Policy = "nothing"
	// PolicyUpdate overwrites existing rows matched by key.
	PolicyUpdate Policy = "update"
)

// Shape is the statement form chosen for a table.
type Shape int

const (
	// ShapeInsert is a plain multi-row INSERT.
	ShapeInsert Shape = iota
	// ShapeSkip inserts rows that do not collide with an existing key.
	ShapeSkip
	// ShapeUpsert inserts or overwrites by key.
	ShapeUpsert
)

func (s Shape) String() string {
	switch s {
	case ShapeInsert:
		return "insert"
	case ShapeSkip:
		return "skip-conflicts"
	case ShapeUpsert:
		return "upsert"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// ConflictPolicyError reports a policy the destination table cannot
// satisfy. It is raised before any row is written.
type ConflictPolicyError struct {
	Table  string
	Policy Policy
	Reason string
}

func (e *ConflictPolicyError) Error() string {
	return fmt.Sprintf("conflict policy %q unusable for %s: %s", e.Policy, e.Table, e.Reason)
}

// Plan is the resolved write strategy for one table.
type Plan struct {
	Shape Shape
	// KeyCols is the conflict key. Required for upserts; used by skip
	// shapes on dialects that express skipping as a keyed merge.
	KeyCols []string
}

// Resolve picks the statement shape for a policy against a destination
// table. destCols are the columns the mapping will write. An update
// policy needs a primary or unique key fully covered by destCols; the
// primary key wins when both are covered.
func Resolve(policy Policy, dst *schema.Table, destCols []string) (*Plan, error) {
	switch policy {
	case PolicyNothing:
		return &Plan{Shape: ShapeSkip, KeyCols: coveredKey(dst, destCols)}, nil
	case PolicyUpdate:
		keys := coveredKey(dst, destCols)
		if len(keys) == 0 {
			reason := "no primary or unique key"
			if dst != nil && (len(dst.PrimaryKey) > 0 || len(dst.UniqueKeys) > 0) {
				reason = "no primary or unique key is fully covered by the mapped columns"
			}
			name := ""
			if dst != nil {
				name = dst.Name
			}
			return nil, &ConflictPolicyError{Table: name, Policy: policy, Reason: reason}
		}
		return &Plan{Shape: ShapeUpsert, KeyCols: keys}, nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", policy)
}

func coveredKey(dst *schema.Table, destCols []string) []string {
	if dst == nil {
		return nil
	}
	have := make(map[string]bool, len(destCols))
	for _, c := range destCols {
		have[c] = true
	}
	covered := func(key []string) bool {
		if len(key) == 0 {
			return false
		}
		for _, k := range key {
			if !have[k] {
				return false
			}
		}
		return true
	}
	if covered(dst.PrimaryKey) {
		return dst.PrimaryKey
	}
	for _, uk := range dst.UniqueKeys {
		if covered(uk) {
			return uk
		}
	}
	return nil
}

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Result summarizes one chunk's write.
type Result struct {
	Attempted int64
	// Skipped counts rows dropped by a skip-conflicts shape, best effort
	// from the driver's rows-affected figure.
	Skipped int64
}

// Loader writes row batches for one destination table.
type Loader struct {
	d      dialect.Dialect
	schema string
	table  string
	cols   []string
	plan   *Plan

	maxRows int
}

// NewLoader builds a loader. cols is the destination column order the
// incoming rows follow.
func NewLoader(d dialect.Dialect, schemaName, table string, cols []string, plan *Plan) (*Loader, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no destination columns for %s", table)
	}
	maxRows := d.MaxParams() / len(cols)
	if maxRows < 1 {
		maxRows = 1
	}
	return &Loader{
		d:       d,
		schema:  schemaName,
		table:   table,
		cols:    cols,
		plan:    plan,
		maxRows: maxRows,
	}, nil
}

// LoadChunk writes rows through tx, sub-batching under the dialect's
// parameter limit. The caller owns commit and rollback.
func (l *Loader) LoadChunk(ctx context.Context, tx Execer, rows [][]any) (Result, error) {
	var res Result
	for start := 0; start < len(rows); start += l.maxRows {
		end := start + l.maxRows
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		query := l.buildStatement(len(batch))
		args := make([]any, 0, len(batch)*len(l.cols))
		for _, row := range batch {
			if len(row) != len(l.cols) {
				return res, fmt.Errorf("row width %d does not match %d destination columns for %s",
					len(row), len(l.cols), l.table)
			}
			args = append(args, row...)
		}

		sr, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return res, fmt.Errorf("writing batch to %s: %w", l.table, err)
		}
		res.Attempted += int64(len(batch))

		if l.plan.Shape == ShapeSkip {
			if affected, err := sr.RowsAffected(); err == nil {
				if skipped := int64(len(batch)) - affected; skipped > 0 {
					res.Skipped += skipped
				}
			}
		}
	}
	if res.Skipped > 0 {
		logging.Debug("skipped %d conflicting rows in %s", res.Skipped, l.table)
	}
	return res, nil
}

func (l *Loader) buildStatement(rowCount int) string {
	switch l.plan.Shape {
	case ShapeSkip:
		return l.d.BuildInsertSkipConflicts(l.schema, l.table, l.cols, l.plan.KeyCols, rowCount)
	case ShapeUpsert:
		return l.d.BuildUpsert(l.schema, l.table, l.cols, l.plan.KeyCols, rowCount)
	}
	return l.d.BuildInsert(l.schema, l.table, l.cols, rowCount)
}

// MaxRowsPerStatement reports the sub-batch ceiling, exposed for
// progress estimation.
func (l *Loader) MaxRowsPerStatement() int { return l.maxRows }
