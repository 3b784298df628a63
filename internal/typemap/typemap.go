// Package typemap converts source column type descriptors into destination
// DDL type strings. Mapping is a pure, static lookup: the source native
// type resolves to a canonical kind, which each destination family renders.
// Unknown source types fall back to the destination's widest textual type;
// the caller is expected to log that.
package typemap

import (
	"fmt"
	"strings"

	"github.com/lokraj/data-migration-tool/internal/dialect"
)

// Descriptor describes a source column type.
type Descriptor struct {
	Dialect   string // source family tag
	TypeName  string // native type name, lowercased
	Nullable  bool
	MaxLength int // -1 for unbounded
	Precision int
	Scale     int
}

// DDLType is the rendered destination type.
type DDLType struct {
	SQL string
	// Fallback is set when the source type had no mapping and the widest
	// textual type was substituted.
	Fallback bool
}

// Error reports an unmappable descriptor with no possible fallback.
type Error struct {
	Dialect  string
	TypeName string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot map %s type %q: %s", e.Dialect, e.TypeName, e.Reason)
}

// canonical kinds shared by the three families.
type kind int

const (
	kBool kind = iota
	kInt16
	kInt32
	kInt64
	kDecimal
	kFloat32
	kFloat64
	kMoney
	kChar
	kVarchar
	kText
	kBytes
	kDate
	kTime
	kTimestamp
	kTimestampTZ
	kUUID
	kJSON
	kXML
)

// sourceKinds maps (source family, native type) to a canonical kind.
var sourceKinds = map[string]map[string]kind{
	"postgres": {
		"boolean": kBool, "bool": kBool,
		"smallint": kInt16, "int2": kInt16, "smallserial": kInt16,
		"integer": kInt32, "int": kInt32, "int4": kInt32, "serial": kInt32,
		"bigint": kInt64, "int8": kInt64, "bigserial": kInt64,
		"numeric": kDecimal, "decimal": kDecimal,
		"real": kFloat32, "float4": kFloat32,
		"double precision": kFloat64, "float8": kFloat64,
		"money":             kMoney,
		"character":         kChar, "char": kChar, "bpchar": kChar,
		"character varying": kVarchar, "varchar": kVarchar,
		"text": kText, "citext": kText,
		"bytea": kBytes,
		"date":  kDate,
		"time":  kTime, "time without time zone": kTime,
		"timestamp": kTimestamp, "timestamp without time zone": kTimestamp,
		"timestamptz": kTimestampTZ, "timestamp with time zone": kTimestampTZ,
		"uuid": kUUID,
		"json": kJSON, "jsonb": kJSON,
		"xml": kXML,
	},
	"mssql": {
		"bit":     kBool,
		"tinyint": kInt16, "smallint": kInt16,
		"int":    kInt32,
		"bigint": kInt64,
		"decimal": kDecimal, "numeric": kDecimal,
		"money": kMoney, "smallmoney": kMoney,
		"real":  kFloat32,
		"float": kFloat64,
		"char":  kChar, "nchar": kChar,
		"varchar": kVarchar, "nvarchar": kVarchar,
		"text": kText, "ntext": kText,
		"binary": kBytes, "varbinary": kBytes, "image": kBytes,
		"date": kDate,
		"time": kTime,
		"datetime": kTimestamp, "datetime2": kTimestamp, "smalldatetime": kTimestamp,
		"datetimeoffset":   kTimestampTZ,
		"uniqueidentifier": kUUID,
		"xml":              kXML,
	},
	"mysql": {
		"tinyint":  kInt16, // includes tinyint(1); booleans survive as 0/1
		"smallint": kInt16,
		"mediumint": kInt32, "int": kInt32, "integer": kInt32,
		"bigint":  kInt64,
		"decimal": kDecimal, "numeric": kDecimal,
		"float":  kFloat32,
		"double": kFloat64, "double precision": kFloat64, "real": kFloat64,
		"char":    kChar,
		"varchar": kVarchar,
		"tinytext": kText, "text": kText, "mediumtext": kText, "longtext": kText,
		"binary": kBytes, "varbinary": kBytes,
		"tinyblob": kBytes, "blob": kBytes, "mediumblob": kBytes, "longblob": kBytes,
		"date": kDate,
		"time": kTime,
		"datetime":  kTimestamp,
		"timestamp": kTimestampTZ, // MySQL timestamps are UTC-normalized
		"json":      kJSON,
		"year":      kInt16,
	},
}

// Map renders the destination DDL type for a source descriptor.
func Map(src Descriptor, dst dialect.Dialect) (DDLType, error) {
	name := strings.ToLower(strings.TrimSpace(src.TypeName))
	if name == "" {
		return DDLType{}, &Error{Dialect: src.Dialect, TypeName: src.TypeName, Reason: "empty type name"}
	}

	srcDialect := dialect.Get(src.Dialect)
	if srcDialect == nil {
		return DDLType{}, &Error{Dialect: src.Dialect, TypeName: name, Reason: "unknown source dialect"}
	}

	kinds, ok := sourceKinds[srcDialect.Name()]
	if !ok {
		return DDLType{}, &Error{Dialect: src.Dialect, TypeName: name, Reason: "no mapping table for source dialect"}
	}

	k, ok := kinds[name]
	if !ok {
		return DDLType{SQL: dst.TextFallbackType(), Fallback: true}, nil
	}
	return DDLType{SQL: render(k, src, dst)}, nil
}

func render(k kind, src Descriptor, dst dialect.Dialect) string {
	switch dst.Name() {
	case "postgres":
		return renderPostgres(k, src)
	case "mssql":
		return renderMSSQL(k, src)
	case "mysql":
		return renderMySQL(k, src)
	}
	return dst.TextFallbackType()
}

func decimalArgs(src Descriptor) string {
	if src.Precision > 0 {
		return fmt.Sprintf("(%d,%d)", src.Precision, src.Scale)
	}
	return ""
}

// charLen clamps declared lengths to the destination maximum; maxLen <= 0
// means the destination should use an unbounded type instead.
func charLen(src Descriptor, destMax int) int {
	if src.MaxLength <= 0 || src.MaxLength > destMax {
		return 0
	}
	return src.MaxLength
}

func renderPostgres(k kind, src Descriptor) string {
	switch k {
	case kBool:
		return "boolean"
	case kInt16:
		return "smallint"
	case kInt32:
		return "integer"
	case kInt64:
		return "bigint"
	case kDecimal:
		return "numeric" + decimalArgs(src)
	case kMoney:
		return "numeric(19,4)"
	case kFloat32:
		return "real"
	case kFloat64:
		return "double precision"
	case kChar:
		if n := charLen(src, 10485760); n > 0 {
			return fmt.Sprintf("char(%d)", n)
		}
		return "text"
	case kVarchar:
		if n := charLen(src, 10485760); n > 0 {
			return fmt.Sprintf("varchar(%d)", n)
		}
		return "text"
	case kText:
		return "text"
	case kBytes:
		return "bytea"
	case kDate:
		return "date"
	case kTime:
		return "time"
	case kTimestamp:
		return "timestamp"
	case kTimestampTZ:
		return "timestamptz"
	case kUUID:
		return "uuid"
	case kJSON:
		return "jsonb"
	case kXML:
		return "xml"
	}
	return "text"
}

func renderMSSQL(k kind, src Descriptor) string {
	switch k {
	case kBool:
		return "bit"
	case kInt16:
		return "smallint"
	case kInt32:
		return "int"
	case kInt64:
		return "bigint"
	case kDecimal:
		return "decimal" + decimalArgs(src)
	case kMoney:
		return "money"
	case kFloat32:
		return "real"
	case kFloat64:
		return "float"
	case kChar:
		if n := charLen(src, 4000); n > 0 {
			return fmt.Sprintf("nchar(%d)", n)
		}
		return "nvarchar(max)"
	case kVarchar:
		if n := charLen(src, 4000); n > 0 {
			return fmt.Sprintf("nvarchar(%d)", n)
		}
		return "nvarchar(max)"
	case kText:
		return "nvarchar(max)"
	case kBytes:
		return "varbinary(max)"
	case kDate:
		return "date"
	case kTime:
		return "time"
	case kTimestamp:
		return "datetime2"
	case kTimestampTZ:
		return "datetimeoffset"
	case kUUID:
		return "uniqueidentifier"
	case kJSON:
		return "nvarchar(max)"
	case kXML:
		return "xml"
	}
	return "nvarchar(max)"
}

func renderMySQL(k kind, src Descriptor) string {
	switch k {
	case kBool:
		return "tinyint(1)"
	case kInt16:
		return "smallint"
	case kInt32:
		return "int"
	case kInt64:
		return "bigint"
	case kDecimal:
		return "decimal" + decimalArgs(src)
	case kMoney:
		return "decimal(19,4)"
	case kFloat32:
		return "float"
	case kFloat64:
		return "double"
	case kChar:
		if n := charLen(src, 255); n > 0 {
			return fmt.Sprintf("char(%d)", n)
		}
		return "longtext"
	case kVarchar:
		if n := charLen(src, 16383); n > 0 {
			return fmt.Sprintf("varchar(%d)", n)
		}
		return "longtext"
	case kText:
		return "longtext"
	case kBytes:
		return "longblob"
	case kDate:
		return "date"
	case kTime:
		return "time"
	case kTimestamp:
		return "datetime(6)"
	case kTimestampTZ:
		return "timestamp(6)"
	case kUUID:
		return "char(36)"
	case kJSON:
		return "json"
	case kXML:
		return "longtext"
	}
	return "longtext"
}
