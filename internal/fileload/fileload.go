// Package fileload ingests delimited and spreadsheet files into a
// destination table. The file's header row plays the role of a source
// table, so the same column mapping and conflict machinery applies.
package fileload

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/conn"
	"github.com/lokraj/data-migration-tool/internal/load"
	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/mapping"
	"github.com/lokraj/data-migration-tool/internal/schema"
)

// Source is a parsed file: a header row and its data rows. Values are
// strings; empty cells become NULL at load time.
type Source struct {
	Path    string
	Columns []string
	Rows    [][]string
}

// Read parses a file by extension: .csv, .tsv, or .xlsx.
func Read(fs afero.Fs, path string) (*Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readDelimited(fs, path, ',')
	case ".tsv":
		return readDelimited(fs, path, '\t')
	case ".xlsx":
		return readXLSX(fs, path)
	}
	return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
}

func readDelimited(fs afero.Fs, path string, comma rune) (*Source, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	r.ReuseRecord = false

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	src := &Source{Path: path, Columns: trimAll(header)}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		src.Rows = append(src.Rows, rec)
	}
	return src, validateHeader(src)
}

func readXLSX(fs afero.Fs, path string) (*Source, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s has no sheets", path)
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q of %s: %w", sheets[0], path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	src := &Source{Path: path, Columns: trimAll(rows[0])}
	width := len(src.Columns)
	for _, row := range rows[1:] {
		// GetRows trims trailing empty cells; restore the full width.
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			row = padded
		}
		src.Rows = append(src.Rows, row[:width])
	}
	return src, validateHeader(src)
}

func trimAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func validateHeader(src *Source) error {
	seen := make(map[string]bool, len(src.Columns))
	for _, c := range src.Columns {
		if c == "" {
			return fmt.Errorf("%s: header contains an empty column name", src.Path)
		}
		if seen[c] {
			return fmt.Errorf("%s: duplicate header column %q", src.Path, c)
		}
		seen[c] = true
	}
	return nil
}

// Table synthesizes source-table metadata for the mapping resolver: every
// column is nullable text, and the file has no keys.
func (s *Source) Table(name string) *schema.Table {
	t := &schema.Table{Name: name}
	for i, c := range s.Columns {
		t.Columns = append(t.Columns, schema.Column{
			Name:       c,
			DataType:   "text",
			Nullable:   true,
			MaxLength:  -1,
			OrdinalPos: i + 1,
		})
	}
	return t
}

// Loader writes file sources into the destination database.
type Loader struct {
	Target    *conn.Handle
	Inspector schema.Inspector
	Opts      config.Options
}

// NewLoader builds a file loader over an open destination.
func NewLoader(target *conn.Handle, opts config.Options) *Loader {
	return &Loader{
		Target:    target,
		Inspector: schema.NewInspector(target.DB, target.Dialect),
		Opts:      opts,
	}
}

// Load maps and writes one file into its destination table, one
// transaction per chunk. Returns the number of rows written.
func (l *Loader) Load(ctx context.Context, tc config.TableConfig, src *Source) (int64, error) {
	dst, err := l.Inspector.Table(ctx, tc.DestSchema, tc.DestTable)
	if err != nil {
		var nf *schema.NotFoundError
		if !errors.As(err, &nf) {
			return 0, err
		}
		dst = nil
	}
	if dst == nil {
		if !l.Opts.CreateTables {
			return 0, fmt.Errorf("destination table %s does not exist and create_tables is disabled", tc.DestTable)
		}
		if dst, err = l.createDest(ctx, tc, src); err != nil {
			return 0, err
		}
	}

	plan, err := mapping.Resolve(tc, src.Table(tc.SourceTable), dst, l.Opts.CreateTables)
	if err != nil {
		return 0, err
	}
	loadPlan, err := load.Resolve(load.Policy(l.Opts.OnConflict), dst, plan.DestColumns())
	if err != nil {
		return 0, err
	}
	loader, err := load.NewLoader(l.Target.Dialect, tc.DestSchema, tc.DestTable, plan.DestColumns(), loadPlan)
	if err != nil {
		return 0, err
	}

	colIdx := make(map[string]int, len(src.Columns))
	for i, c := range src.Columns {
		colIdx[c] = i
	}

	var written int64
	chunkSize := l.Opts.ChunkSize
	for start := 0; start < len(src.Rows); start += chunkSize {
		end := start + chunkSize
		if end > len(src.Rows) {
			end = len(src.Rows)
		}

		rows := make([][]any, 0, end-start)
		for _, rec := range src.Rows[start:end] {
			srcRow := make([]any, len(plan.SourceColumns))
			for i, c := range plan.SourceColumns {
				v := rec[colIdx[c]]
				if v == "" {
					srcRow[i] = nil
				} else {
					srcRow[i] = v
				}
			}
			rows = append(rows, plan.Transform(srcRow))
		}

		if l.Opts.DryRun {
			written += int64(len(rows))
			continue
		}

		tx, err := l.Target.DB.BeginTx(ctx, nil)
		if err != nil {
			return written, fmt.Errorf("beginning transaction for %s: %w", tc.DestTable, err)
		}
		if _, err := loader.LoadChunk(ctx, tx, rows); err != nil {
			tx.Rollback()
			return written, err
		}
		if err := tx.Commit(); err != nil {
			return written, fmt.Errorf("committing %s: %w", tc.DestTable, err)
		}
		written += int64(len(rows))
	}

	logging.Info("Loaded %d rows from %s into %s", written, src.Path, tc.DestTable)
	return written, nil
}

// createDest creates the destination as all-text columns matching the
// mapped destination names.
func (l *Loader) createDest(ctx context.Context, tc config.TableConfig, src *Source) (*schema.Table, error) {
	plan, err := mapping.Resolve(tc, src.Table(tc.SourceTable), nil, true)
	if err != nil {
		return nil, err
	}

	d := l.Target.Dialect
	defs := make([]string, len(plan.Bindings))
	t := &schema.Table{Schema: tc.DestSchema, Name: tc.DestTable}
	for i, b := range plan.Bindings {
		defs[i] = d.QuoteIdentifier(b.Dest) + " " + d.TextFallbackType()
		t.Columns = append(t.Columns, schema.Column{Name: b.Dest, DataType: d.TextFallbackType(), Nullable: true})
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n    %s\n)",
		d.QualifyTable(tc.DestSchema, tc.DestTable), strings.Join(defs, ",\n    "))
	logging.Info("Creating table %s:\n%s", tc.DestTable, ddl)

	if l.Opts.DryRun {
		return t, nil
	}
	if _, err := l.Target.DB.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating %s: %w", tc.DestTable, err)
	}
	return t, nil
}
