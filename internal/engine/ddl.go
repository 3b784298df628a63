package engine

import (
	"fmt"
	"strings"

	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/mapping"
	"github.com/lokraj/data-migration-tool/internal/schema"
	"github.com/lokraj/data-migration-tool/internal/typemap"
)

// createPlan is the prepared auto-create for a missing destination table.
type createPlan struct {
	DDL string
	// Table is the synthesized destination shape, usable for conflict
	// resolution without a round trip back to information_schema.
	Table *schema.Table
	// Fallbacks lists destination columns whose source type was unknown
	// and fell back to the dialect's unbounded text type.
	Fallbacks []string
}

// buildCreateTable renders CREATE TABLE DDL for a mapping whose
// destination does not exist. Column types come from the type map; the
// source primary key carries over when every key column is mapped.
func buildCreateTable(srcD, dstD dialect.Dialect, schemaName, table string, plan *mapping.Plan) (*createPlan, error) {
	cp := &createPlan{
		Table: &schema.Table{Schema: schemaName, Name: table},
	}

	var defs []string
	destOf := make(map[string]string, len(plan.Bindings))
	for _, b := range plan.Bindings {
		var (
			sqlType  string
			nullable bool
		)
		switch b.Kind {
		case mapping.KindColumn:
			src := plan.SourceTable.FindColumn(b.SourceColumn)
			if src == nil {
				return nil, fmt.Errorf("source column %q vanished during planning", b.SourceColumn)
			}
			ddlType, err := typemap.Map(typemap.Descriptor{
				Dialect:   srcD.Name(),
				TypeName:  src.DataType,
				Nullable:  src.Nullable,
				MaxLength: src.MaxLength,
				Precision: src.Precision,
				Scale:     src.Scale,
			}, dstD)
			if err != nil {
				return nil, err
			}
			sqlType = ddlType.SQL
			nullable = src.Nullable
			if ddlType.Fallback {
				cp.Fallbacks = append(cp.Fallbacks, b.Dest)
			}
			destOf[b.SourceColumn] = b.Dest
		case mapping.KindConstant:
			sqlType = constantType(dstD, b.Const)
			nullable = true
		}

		def := dstD.QuoteIdentifier(b.Dest) + " " + sqlType
		if !nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		cp.Table.Columns = append(cp.Table.Columns, schema.Column{
			Name:     b.Dest,
			DataType: strings.ToLower(sqlType),
			Nullable: nullable,
		})
	}

	// Carry the source primary key over when the mapping covers it.
	if len(plan.SourceTable.PrimaryKey) > 0 {
		var pk []string
		for _, k := range plan.SourceTable.PrimaryKey {
			dest, ok := destOf[k]
			if !ok {
				pk = nil
				break
			}
			pk = append(pk, dest)
		}
		if len(pk) > 0 {
			quoted := make([]string, len(pk))
			for i, c := range pk {
				quoted[i] = dstD.QuoteIdentifier(c)
			}
			defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
			cp.Table.PrimaryKey = pk
		}
	}

	cp.DDL = fmt.Sprintf("CREATE TABLE %s (\n    %s\n)",
		dstD.QualifyTable(schemaName, table), strings.Join(defs, ",\n    "))
	return cp, nil
}

// constantType picks a destination column type for a constant binding by
// its literal kind.
func constantType(d dialect.Dialect, c mapping.Constant) string {
	switch c.Arg.(type) {
	case int64:
		return "bigint"
	case float64:
		switch d.Name() {
		case "mssql":
			return "float"
		case "mysql":
			return "double"
		}
		return "double precision"
	case bool:
		switch d.Name() {
		case "mssql":
			return "bit"
		case "mysql":
			return "tinyint(1)"
		}
		return "boolean"
	}
	return d.TextFallbackType()
}
