// Package mapping resolves a declared table mapping against live source and
// destination schemas into an executable plan: every destination column
// bound to either a source column or a constant, validated up front so the
// chunk loop never re-interprets anything per row.
package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/schema"
)

// Kind tags a Binding as a column reference or a constant.
type Kind int

const (
	KindColumn Kind = iota
	KindConstant
)

// Constant is a literal parsed once at resolution time under the minimal
// grammar: NULL, 'quoted text', or a raw passthrough token.
type Constant struct {
	// Arg is the value bound into every destination row: nil for NULL, a
	// string for quoted text, and int64/float64/bool/string for raw
	// tokens.
	Arg any
	// Raw is the expression as written, kept for logging.
	Raw string
}

// ParseConstant applies the constant grammar to an expression. The grammar
// is total: every input parses to something.
func ParseConstant(expr string) Constant {
	c := Constant{Raw: expr}
	trimmed := strings.TrimSpace(expr)

	if strings.EqualFold(trimmed, "NULL") {
		return c // Arg stays nil
	}
	if len(trimmed) >= 2 && strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		inner := trimmed[1 : len(trimmed)-1]
		c.Arg = strings.ReplaceAll(inner, "''", "'")
		return c
	}
	// Raw token: try the obvious scalar shapes, else pass the text through.
	if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		c.Arg = v
		return c
	}
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		c.Arg = v
		return c
	}
	if strings.EqualFold(trimmed, "true") {
		c.Arg = true
		return c
	}
	if strings.EqualFold(trimmed, "false") {
		c.Arg = false
		return c
	}
	c.Arg = trimmed
	return c
}

// IsConstantExpr reports whether a mapping expression denotes a constant
// rather than a source column name: NULL, a quoted literal, or anything
// that is not a plausible identifier.
func IsConstantExpr(expr string) bool {
	trimmed := strings.TrimSpace(expr)
	if strings.EqualFold(trimmed, "NULL") || strings.HasPrefix(trimmed, "'") {
		return true
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return true
	}
	return false
}

// Binding binds one destination column.
type Binding struct {
	Dest         string
	Kind         Kind
	SourceColumn string   // KindColumn only
	Const        Constant // KindConstant only

	srcIdx int // index into Plan.SourceColumns; -1 for constants
}

// Plan is a resolved, validated table mapping.
type Plan struct {
	SourceTable *schema.Table
	// DestTable is nil when the destination does not exist yet and will be
	// auto-created.
	DestTable *schema.Table

	// Bindings in destination column order (or source ordinal order when
	// the destination does not exist yet).
	Bindings []Binding
	// SourceColumns are the distinct source columns the extraction query
	// selects, in first-use order.
	SourceColumns []string
}

// DestColumns returns the destination column names in binding order.
func (p *Plan) DestColumns() []string {
	cols := make([]string, len(p.Bindings))
	for i, b := range p.Bindings {
		cols[i] = b.Dest
	}
	return cols
}

// Transform converts one extracted source row (ordered as SourceColumns)
// into a destination row in binding order, substituting constants.
func (p *Plan) Transform(src []any) []any {
	out := make([]any, len(p.Bindings))
	for i, b := range p.Bindings {
		if b.Kind == KindConstant {
			out[i] = b.Const.Arg
		} else {
			out[i] = src[b.srcIdx]
		}
	}
	return out
}

// Error is a mapping resolution failure, naming the offending destination
// column.
type Error struct {
	Table  string
	Column string
	Reason string
}

func (e *Error) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("mapping %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("mapping %s: column %q: %s", e.Table, e.Column, e.Reason)
}

// Resolve validates a table mapping against introspected schemas and builds
// the plan. dst may be nil only when createTables is true.
func Resolve(tc config.TableConfig, src, dst *schema.Table, createTables bool) (*Plan, error) {
	tableID := tc.DestSchema + "." + tc.DestTable

	if dst == nil && !createTables {
		return nil, &Error{Table: tableID, Reason: "destination table does not exist and create_tables is false"}
	}

	p := &Plan{SourceTable: src, DestTable: dst}

	var err error
	if len(tc.Columns) == 0 {
		err = p.autoMap()
	} else {
		err = p.explicitMap(tableID, tc.Columns)
	}
	if err != nil {
		return nil, err
	}

	hasRef := false
	for _, b := range p.Bindings {
		if b.Kind == KindColumn {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return nil, &Error{Table: tableID, Reason: "mapping binds no source column, only constants"}
	}

	if tc.Watermark != nil {
		if src.FindColumn(tc.Watermark.Column) == nil {
			return nil, &Error{Table: tableID, Column: tc.Watermark.Column,
				Reason: "watermark column not present in source table"}
		}
	}

	p.indexSourceColumns()
	return p, nil
}

// autoMap binds every identically-named source/destination column pair.
// Unmatched destination columns stay unbound; unmatched source columns are
// ignored. With no destination yet, every source column maps through.
func (p *Plan) autoMap() error {
	if p.DestTable == nil {
		for _, c := range p.SourceTable.Columns {
			p.Bindings = append(p.Bindings, Binding{Dest: c.Name, Kind: KindColumn, SourceColumn: c.Name})
		}
		return nil
	}
	for _, dc := range p.DestTable.Columns {
		if p.SourceTable.FindColumn(dc.Name) != nil {
			p.Bindings = append(p.Bindings, Binding{Dest: dc.Name, Kind: KindColumn, SourceColumn: dc.Name})
		}
	}
	return nil
}

func (p *Plan) explicitMap(tableID string, columns map[string]string) error {
	// Reject destination columns that collide case-insensitively: every
	// family treats unquoted identifiers as one namespace.
	lower := make(map[string]string, len(columns))
	for dest := range columns {
		key := strings.ToLower(dest)
		if prev, ok := lower[key]; ok {
			return &Error{Table: tableID, Column: dest,
				Reason: fmt.Sprintf("duplicate destination column (also specified as %q)", prev)}
		}
		lower[key] = dest
	}

	bindings := make(map[string]Binding, len(columns))
	for dest, expr := range columns {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue // unbound, excluded from the write
		}
		if p.DestTable != nil && p.DestTable.FindColumn(dest) == nil {
			return &Error{Table: tableID, Column: dest, Reason: "column does not exist in destination table"}
		}
		if IsConstantExpr(expr) {
			bindings[dest] = Binding{Dest: dest, Kind: KindConstant, Const: ParseConstant(expr)}
			continue
		}
		if p.SourceTable.FindColumn(expr) == nil {
			return &Error{Table: tableID, Column: dest,
				Reason: fmt.Sprintf("source column %q not present in source table", expr)}
		}
		bindings[dest] = Binding{Dest: dest, Kind: KindColumn, SourceColumn: expr}
	}

	p.orderBindings(bindings)
	return nil
}

// orderBindings fixes a deterministic binding order: destination column
// order when the destination exists, otherwise source ordinal order with
// constants last (sorted by name).
func (p *Plan) orderBindings(bindings map[string]Binding) {
	if p.DestTable != nil {
		for _, dc := range p.DestTable.Columns {
			if b, ok := bindings[dc.Name]; ok {
				p.Bindings = append(p.Bindings, b)
			}
		}
		return
	}

	var refs, consts []Binding
	for _, b := range bindings {
		if b.Kind == KindColumn {
			refs = append(refs, b)
		} else {
			consts = append(consts, b)
		}
	}
	ord := make(map[string]int, len(p.SourceTable.Columns))
	for i, c := range p.SourceTable.Columns {
		ord[c.Name] = i
	}
	sort.Slice(refs, func(i, j int) bool { return ord[refs[i].SourceColumn] < ord[refs[j].SourceColumn] })
	sort.Slice(consts, func(i, j int) bool { return consts[i].Dest < consts[j].Dest })
	p.Bindings = append(refs, consts...)
}

func (p *Plan) indexSourceColumns() {
	idx := make(map[string]int)
	for i := range p.Bindings {
		b := &p.Bindings[i]
		if b.Kind != KindColumn {
			b.srcIdx = -1
			continue
		}
		j, ok := idx[b.SourceColumn]
		if !ok {
			j = len(p.SourceColumns)
			idx[b.SourceColumn] = j
			p.SourceColumns = append(p.SourceColumns, b.SourceColumn)
		}
		b.srcIdx = j
	}
}
