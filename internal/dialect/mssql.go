package dialect

import (
	"fmt"
	"strings"
)

func init() { register(&MSSQL{}) }

// MSSQL implements Dialect for the SQL Server family.
type MSSQL struct{}

func (d *MSSQL) Name() string      { return "mssql" }
func (d *MSSQL) Aliases() []string { return []string{"sqlserver"} }

func (d *MSSQL) DefaultSchema() string { return "dbo" }
func (d *MSSQL) DefaultPort() int      { return 1433 }

func (d *MSSQL) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *MSSQL) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *MSSQL) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// MaxParams reflects the server's 2100 parameter limit, with a little
// headroom.
func (d *MSSQL) MaxParams() int { return 2000 }

func (d *MSSQL) TextFallbackType() string { return "nvarchar(max)" }

func (d *MSSQL) BuildKeysetQuery(cols []string, schema, table, keyCol string, bound Bound, chunkSize int) string {
	qKey := d.QuoteIdentifier(keyCol)
	if bound == BoundNone {
		return fmt.Sprintf("SELECT TOP (%d) %s FROM %s ORDER BY %s",
			chunkSize, columnList(d, cols), d.QualifyTable(schema, table), qKey)
	}
	return fmt.Sprintf("SELECT TOP (%d) %s FROM %s WHERE %s %s @p1 ORDER BY %s",
		chunkSize, columnList(d, cols), d.QualifyTable(schema, table), qKey, boundOperator(bound), qKey)
}

func (d *MSSQL) BuildFullScanQuery(cols []string, schema, table string) string {
	return fmt.Sprintf("SELECT %s FROM %s", columnList(d, cols), d.QualifyTable(schema, table))
}

func (d *MSSQL) BuildInsert(schema, table string, cols []string, rowCount int) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		d.QualifyTable(schema, table), columnList(d, cols), valuesClause(d, len(cols), rowCount))
}

// BuildInsertSkipConflicts uses MERGE, since SQL Server has no generic
// skip-on-conflict insert. Callers must supply key columns; without a
// uniqueness key nothing can conflict and a plain insert is correct.
func (d *MSSQL) BuildInsertSkipConflicts(schema, table string, cols, keyCols []string, rowCount int) string {
	if len(keyCols) == 0 {
		return d.BuildInsert(schema, table, cols, rowCount)
	}
	return d.buildMerge(schema, table, cols, keyCols, rowCount, false)
}

func (d *MSSQL) BuildUpsert(schema, table string, cols, keyCols []string, rowCount int) string {
	return d.buildMerge(schema, table, cols, keyCols, rowCount, true)
}

func (d *MSSQL) buildMerge(schema, table string, cols, keyCols []string, rowCount int, withUpdate bool) string {
	quotedCols := columnList(d, cols)

	on := make([]string, len(keyCols))
	for i, k := range keyCols {
		q := d.QuoteIdentifier(k)
		on[i] = "tgt." + q + " = src." + q
	}

	insertVals := make([]string, len(cols))
	for i, c := range cols {
		insertVals[i] = "src." + d.QuoteIdentifier(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s AS tgt USING (VALUES %s) AS src (%s) ON %s",
		d.QualifyTable(schema, table),
		valuesClause(d, len(cols), rowCount),
		quotedCols,
		strings.Join(on, " AND "))

	if withUpdate {
		if updateCols := nonKeyColumns(cols, keyCols); len(updateCols) > 0 {
			sets := make([]string, len(updateCols))
			for i, c := range updateCols {
				q := d.QuoteIdentifier(c)
				sets[i] = "tgt." + q + " = src." + q
			}
			fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
		}
	}

	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		quotedCols, strings.Join(insertVals, ", "))
	return b.String()
}
