// Package dialect abstracts the SQL differences between the three supported
// database families: PostgreSQL-like, SQL-Server-like, and MySQL-like.
// Each family implements the Dialect interface; callers select one by the
// connection's declared dialect tag via Get.
package dialect

import (
	"fmt"
	"strings"
)

// Bound describes how a keyset lower bound participates in an extraction
// query.
type Bound int

const (
	// BoundNone means no lower bound: the query covers the table from the
	// start of the ordering key.
	BoundNone Bound = iota
	// BoundExclusive resumes strictly after a committed key value.
	BoundExclusive
	// BoundInclusive starts at a configured value, including rows equal
	// to it.
	BoundInclusive
)

// Dialect provides all database-family-specific SQL construction.
type Dialect interface {
	// Name returns the canonical family name: "postgres", "mssql" or "mysql".
	Name() string

	// Aliases returns alternative names accepted for this family.
	Aliases() []string

	// DefaultSchema is the schema assumed when none is configured
	// ("public", "dbo", or "" for MySQL where the database is the schema).
	DefaultSchema() string

	// DefaultPort is the conventional server port.
	DefaultPort() int

	// QuoteIdentifier quotes a single identifier, escaping embedded quote
	// characters.
	QuoteIdentifier(name string) string

	// QualifyTable renders schema.table with proper quoting. An empty
	// schema yields just the quoted table.
	QualifyTable(schema, table string) string

	// Placeholder returns the parameter placeholder for 1-based position n.
	Placeholder(n int) string

	// MaxParams is the maximum number of bind parameters one statement may
	// carry. Loads are sub-batched to stay under this.
	MaxParams() int

	// TextFallbackType is the widest-compatible textual column type,
	// used when a source type has no mapping.
	TextFallbackType() string

	// BuildKeysetQuery builds the chunk extraction query: selected columns
	// ordered by keyCol, optionally bounded below, limited to chunkSize
	// rows. The bound value, when present, is the single bind parameter.
	BuildKeysetQuery(cols []string, schema, table, keyCol string, bound Bound, chunkSize int) string

	// BuildFullScanQuery builds an unbounded ordered-free scan of the
	// selected columns, streamed by the caller.
	BuildFullScanQuery(cols []string, schema, table string) string

	// BuildInsert builds a plain multi-row INSERT for rowCount rows.
	BuildInsert(schema, table string, cols []string, rowCount int) string

	// BuildInsertSkipConflicts builds a multi-row insert that silently
	// skips rows violating a uniqueness constraint. keyCols may be needed
	// by families without a generic skip form.
	BuildInsertSkipConflicts(schema, table string, cols, keyCols []string, rowCount int) string

	// BuildUpsert builds an insert-or-update statement keyed on keyCols.
	BuildUpsert(schema, table string, cols, keyCols []string, rowCount int) string
}

var registry []Dialect

func register(d Dialect) {
	registry = append(registry, d)
}

// Register adds a dialect to the registry. The built-in families register
// themselves; this entry point exists for embedders adding a family.
func Register(d Dialect) {
	register(d)
}

// Get returns the dialect for the given tag, or nil when the tag names no
// registered family. Matching is case-insensitive and honors aliases.
func Get(tag string) Dialect {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, d := range registry {
		if d.Name() == tag {
			return d
		}
		for _, a := range d.Aliases() {
			if a == tag {
				return d
			}
		}
	}
	return nil
}

// All returns the registered dialects.
func All() []Dialect {
	return registry
}

// ValidateIdentifier checks that a schema, table, or column name is safe to
// interpolate into SQL. Identifiers must start with a letter or underscore,
// contain only letters, digits, underscores, spaces, $ or #, and be at most
// 128 characters.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier too long: %d characters (max 128)", len(name))
	}
	first := rune(name[0])
	if !isIdentStart(first) {
		return fmt.Errorf("identifier must start with letter or underscore: %q", name)
	}
	for i, r := range name {
		if i == 0 {
			continue
		}
		if !isIdentChar(r) {
			return fmt.Errorf("identifier contains invalid character %q at position %d: %q", r, i, name)
		}
	}
	return nil
}

func isIdentStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isIdentChar(r rune) bool {
	return isIdentStart(r) ||
		(r >= '0' && r <= '9') ||
		r == ' ' || // SQL Server allows spaces in identifiers
		r == '$' || // PostgreSQL allows $
		r == '#' // SQL Server temp-table prefix
}

// columnList renders a quoted, comma-separated column list.
func columnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// valuesClause renders (p,p,...),(p,p,...) placeholder tuples for rowCount
// rows of len(cols) columns, numbering placeholders from 1.
func valuesClause(d Dialect, numCols, rowCount int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < numCols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func boundOperator(bound Bound) string {
	if bound == BoundInclusive {
		return ">="
	}
	return ">"
}

// nonKeyColumns returns cols minus keyCols, preserving order.
func nonKeyColumns(cols, keyCols []string) []string {
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var rest []string
	for _, c := range cols {
		if !isKey[c] {
			rest = append(rest, c)
		}
	}
	return rest
}
