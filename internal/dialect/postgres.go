package dialect

import (
	"fmt"
	"strings"
)

func init() { register(&Postgres{}) }

// Postgres implements Dialect for the PostgreSQL family.
type Postgres struct{}

func (d *Postgres) Name() string      { return "postgres" }
func (d *Postgres) Aliases() []string { return []string{"postgresql", "pg"} }

func (d *Postgres) DefaultSchema() string { return "public" }
func (d *Postgres) DefaultPort() int      { return 5432 }

func (d *Postgres) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Postgres) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d *Postgres) MaxParams() int { return 65535 }

func (d *Postgres) TextFallbackType() string { return "text" }

func (d *Postgres) BuildKeysetQuery(cols []string, schema, table, keyCol string, bound Bound, chunkSize int) string {
	qKey := d.QuoteIdentifier(keyCol)
	if bound == BoundNone {
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d",
			columnList(d, cols), d.QualifyTable(schema, table), qKey, chunkSize)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s %s $1 ORDER BY %s LIMIT %d",
		columnList(d, cols), d.QualifyTable(schema, table), qKey, boundOperator(bound), qKey, chunkSize)
}

func (d *Postgres) BuildFullScanQuery(cols []string, schema, table string) string {
	return fmt.Sprintf("SELECT %s FROM %s", columnList(d, cols), d.QualifyTable(schema, table))
}

func (d *Postgres) BuildInsert(schema, table string, cols []string, rowCount int) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		d.QualifyTable(schema, table), columnList(d, cols), valuesClause(d, len(cols), rowCount))
}

func (d *Postgres) BuildInsertSkipConflicts(schema, table string, cols, _ []string, rowCount int) string {
	// ON CONFLICT DO NOTHING without a target skips on any unique
	// constraint, so key columns are not required here.
	return d.BuildInsert(schema, table, cols, rowCount) + " ON CONFLICT DO NOTHING"
}

func (d *Postgres) BuildUpsert(schema, table string, cols, keyCols []string, rowCount int) string {
	updateCols := nonKeyColumns(cols, keyCols)
	if len(updateCols) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING",
			d.BuildInsert(schema, table, cols, rowCount), columnList(d, keyCols))
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		q := d.QuoteIdentifier(c)
		sets[i] = q + " = EXCLUDED." + q
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		d.BuildInsert(schema, table, cols, rowCount), columnList(d, keyCols), strings.Join(sets, ", "))
}
