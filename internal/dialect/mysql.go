package dialect

import (
	"fmt"
	"strings"
)

func init() { register(&MySQL{}) }

// MySQL implements Dialect for the MySQL/MariaDB family.
type MySQL struct{}

func (d *MySQL) Name() string      { return "mysql" }
func (d *MySQL) Aliases() []string { return []string{"mariadb"} }

// DefaultSchema is empty: in MySQL the database named in the DSN plays the
// schema role.
func (d *MySQL) DefaultSchema() string { return "" }
func (d *MySQL) DefaultPort() int      { return 3306 }

func (d *MySQL) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *MySQL) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *MySQL) Placeholder(_ int) string { return "?" }

func (d *MySQL) MaxParams() int { return 65535 }

func (d *MySQL) TextFallbackType() string { return "longtext" }

func (d *MySQL) BuildKeysetQuery(cols []string, schema, table, keyCol string, bound Bound, chunkSize int) string {
	qKey := d.QuoteIdentifier(keyCol)
	if bound == BoundNone {
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d",
			columnList(d, cols), d.QualifyTable(schema, table), qKey, chunkSize)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s %s ? ORDER BY %s LIMIT %d",
		columnList(d, cols), d.QualifyTable(schema, table), qKey, boundOperator(bound), qKey, chunkSize)
}

func (d *MySQL) BuildFullScanQuery(cols []string, schema, table string) string {
	return fmt.Sprintf("SELECT %s FROM %s", columnList(d, cols), d.QualifyTable(schema, table))
}

func (d *MySQL) BuildInsert(schema, table string, cols []string, rowCount int) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		d.QualifyTable(schema, table), columnList(d, cols), valuesClause(d, len(cols), rowCount))
}

func (d *MySQL) BuildInsertSkipConflicts(schema, table string, cols, _ []string, rowCount int) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES %s",
		d.QualifyTable(schema, table), columnList(d, cols), valuesClause(d, len(cols), rowCount))
}

func (d *MySQL) BuildUpsert(schema, table string, cols, keyCols []string, rowCount int) string {
	updateCols := nonKeyColumns(cols, keyCols)
	if len(updateCols) == 0 {
		// Nothing to update besides the key; degrade to skip.
		return d.BuildInsertSkipConflicts(schema, table, cols, keyCols, rowCount)
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		q := d.QuoteIdentifier(c)
		sets[i] = q + " = VALUES(" + q + ")"
	}
	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s",
		d.BuildInsert(schema, table, cols, rowCount), strings.Join(sets, ", "))
}
