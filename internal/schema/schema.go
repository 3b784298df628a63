// Package schema introspects live table metadata: columns, primary keys,
// and unique constraints. All three supported families expose
// information_schema, so one set of queries serves them with
// dialect-specific placeholders.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lokraj/data-migration-tool/internal/dialect"
)

// Column describes one introspected column.
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	MaxLength  int // character length; -1 when unbounded or not applicable
	Precision  int
	Scale      int
	OrdinalPos int
}

// Table describes an introspected table.
type Table struct {
	Schema     string
	Name       string
	Columns    []Column
	PrimaryKey []string
	// UniqueKeys holds the column sets of unique constraints, primary key
	// excluded.
	UniqueKeys [][]string
}

// ColumnNames returns the column names in ordinal order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// FindColumn returns the column with the given name, or nil.
func (t *Table) FindColumn(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// KeysetColumn returns the column usable as a stable single-column ordering
// key: the primary key when it has exactly one column. Returns "" when the
// table has no such key.
func (t *Table) KeysetColumn() string {
	if len(t.PrimaryKey) == 1 {
		return t.PrimaryKey[0]
	}
	return ""
}

// NotFoundError reports a table absent from information_schema.
type NotFoundError struct {
	Schema string
	Table  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("table %s not found", qualified(e.Schema, e.Table))
}

// Inspector loads table metadata from a live database.
type Inspector interface {
	Table(ctx context.Context, schema, table string) (*Table, error)
}

// NewInspector returns an information_schema-backed Inspector for the given
// handle.
func NewInspector(db *sql.DB, d dialect.Dialect) Inspector {
	return &inspector{db: db, dialect: d}
}

type inspector struct {
	db      *sql.DB
	dialect dialect.Dialect
}

func (in *inspector) Table(ctx context.Context, schemaName, table string) (*Table, error) {
	t := &Table{Schema: schemaName, Name: table}

	if err := in.loadColumns(ctx, t); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, &NotFoundError{Schema: schemaName, Table: table}
	}
	if err := in.loadKeys(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func qualified(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// schemaPredicate renders the table_schema filter. MySQL connections often
// leave the schema empty because the database in the DSN plays that role.
func (in *inspector) schemaPredicate(col string, argn int, schemaName string) (string, []any) {
	if schemaName == "" && in.dialect.Name() == "mysql" {
		return col + " = DATABASE()", nil
	}
	return col + " = " + in.dialect.Placeholder(argn), []any{schemaName}
}

func (in *inspector) loadColumns(ctx context.Context, t *Table) error {
	pred, args := in.schemaPredicate("table_schema", 1, t.Schema)
	query := fmt.Sprintf(`
		SELECT column_name, data_type, is_nullable,
		       character_maximum_length, numeric_precision, numeric_scale,
		       ordinal_position
		FROM information_schema.columns
		WHERE %s AND table_name = %s
		ORDER BY ordinal_position`,
		pred, in.dialect.Placeholder(len(args)+1))
	args = append(args, t.Name)

	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("introspecting columns of %s: %w", qualified(t.Schema, t.Name), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			col         Column
			nullable    string
			maxLen      sql.NullInt64
			prec, scale sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &maxLen, &prec, &scale, &col.OrdinalPos); err != nil {
			return fmt.Errorf("scanning column metadata: %w", err)
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		col.MaxLength = -1
		if maxLen.Valid {
			col.MaxLength = int(maxLen.Int64)
		}
		col.Precision = int(prec.Int64)
		col.Scale = int(scale.Int64)
		col.DataType = strings.ToLower(col.DataType)
		t.Columns = append(t.Columns, col)
	}
	return rows.Err()
}

func (in *inspector) loadKeys(ctx context.Context, t *Table) error {
	pred, args := in.schemaPredicate("tc.table_schema", 1, t.Schema)
	query := fmt.Sprintf(`
		SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		 AND kcu.table_name = tc.table_name
		WHERE %s AND tc.table_name = %s
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY tc.constraint_name, kcu.ordinal_position`,
		pred, in.dialect.Placeholder(len(args)+1))
	args = append(args, t.Name)

	rows, err := in.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("introspecting keys of %s: %w", qualified(t.Schema, t.Name), err)
	}
	defer rows.Close()

	type key struct {
		typ  string
		cols []string
	}
	keys := make(map[string]*key)
	var order []string
	for rows.Next() {
		var name, typ, col string
		if err := rows.Scan(&name, &typ, &col); err != nil {
			return fmt.Errorf("scanning key metadata: %w", err)
		}
		k, ok := keys[name]
		if !ok {
			k = &key{typ: typ}
			keys[name] = k
			order = append(order, name)
		}
		k.cols = append(k.cols, col)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range order {
		k := keys[name]
		if k.typ == "PRIMARY KEY" {
			t.PrimaryKey = k.cols
		} else {
			t.UniqueKeys = append(t.UniqueKeys, k.cols)
		}
	}
	return nil
}
