// Package engine moves one table at a time: plan the mapping, create the
// destination when asked, then stream chunks through per-chunk
// transactions. The cursor a chunk produces is persisted only after its
// transaction commits, which is what makes an interrupted run resumable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/conn"
	"github.com/lokraj/data-migration-tool/internal/dialect"
	"github.com/lokraj/data-migration-tool/internal/extract"
	"github.com/lokraj/data-migration-tool/internal/load"
	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/mapping"
	"github.com/lokraj/data-migration-tool/internal/progress"
	"github.com/lokraj/data-migration-tool/internal/schema"
	"github.com/lokraj/data-migration-tool/internal/state"
)

// RowTransform rewrites a destination-ordered row before it is written.
// The default is identity.
type RowTransform func(row []any) []any

// Engine transfers tables between an open source and target.
type Engine struct {
	Source *conn.Handle
	Target *conn.Handle
	Store  *state.Store
	Opts   config.Options

	// SourceInspector and TargetInspector default to information_schema
	// introspection over the two handles.
	SourceInspector schema.Inspector
	TargetInspector schema.Inspector

	// Listener receives per-chunk progress events. Optional.
	Listener progress.Listener
	// Transform hooks row rewriting. Optional.
	Transform RowTransform
}

// New builds an engine over two open connections.
func New(source, target *conn.Handle, store *state.Store, opts config.Options) *Engine {
	return &Engine{
		Source:          source,
		Target:          target,
		Store:           store,
		Opts:            opts,
		SourceInspector: schema.NewInspector(source.DB, source.Dialect),
		TargetInspector: schema.NewInspector(target.DB, target.Dialect),
	}
}

// TableResult summarizes one table's transfer.
type TableResult struct {
	TableID string
	Status  state.Status
	Rows    int64
	Skipped int64
	Chunks  int
	Created bool
	DryRun  bool
	Err     error
}

// TransferTable runs one table end to end. Failures are reported in the
// result rather than panicking the run, so the coordinator can keep going
// when configured to.
func (e *Engine) TransferTable(ctx context.Context, tc config.TableConfig) *TableResult {
	res := &TableResult{
		TableID: TableID(tc),
		DryRun:  e.Opts.DryRun,
	}
	start := time.Now()

	err := e.transferTable(ctx, tc, res)
	if err != nil {
		res.Err = err
		res.Status = state.StatusFailed
		if !e.Opts.DryRun {
			if serr := e.Store.SetStatus(res.TableID, state.StatusFailed, err.Error()); serr != nil {
				logging.Warn("Recording failure for %s: %v", res.TableID, serr)
			}
		}
		logging.Error("Table %s failed after %s: %v", res.TableID, time.Since(start).Round(time.Millisecond), err)
		e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseFailed, Err: err})
		return res
	}

	res.Status = state.StatusCompleted
	if !e.Opts.DryRun {
		if serr := e.Store.SetStatus(res.TableID, state.StatusCompleted, ""); serr != nil {
			logging.Warn("Recording completion for %s: %v", res.TableID, serr)
		}
	}
	logging.Info("Table %s: %d rows in %d chunks (%s)",
		res.TableID, res.Rows, res.Chunks, time.Since(start).Round(time.Millisecond))
	e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseCompleted, Rows: res.Rows})
	return res
}

func (e *Engine) transferTable(ctx context.Context, tc config.TableConfig, res *TableResult) error {
	e.emit(progress.Event{Table: res.TableID, Phase: progress.PhasePlanning})

	src, err := e.inspect(ctx, e.SourceInspector, tc.SourceSchema, tc.SourceTable)
	if err != nil {
		var nf *schema.NotFoundError
		if errors.As(err, &nf) {
			return &ValidationError{Table: res.TableID, Reason: err.Error()}
		}
		return err
	}

	dst, err := e.inspect(ctx, e.TargetInspector, tc.DestSchema, tc.DestTable)
	if err != nil {
		var nf *schema.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		dst = nil
	}
	if dst == nil && !e.Opts.CreateTables {
		return &ValidationError{Table: res.TableID,
			Reason: "destination table does not exist and create_tables is disabled"}
	}

	plan, err := mapping.Resolve(tc, src, dst, e.Opts.CreateTables)
	if err != nil {
		return err
	}

	if dst == nil {
		dst, err = e.autoCreate(ctx, tc, plan, res)
		if err != nil {
			return err
		}
	}

	loadPlan, err := load.Resolve(load.Policy(e.Opts.OnConflict), dst, plan.DestColumns())
	if err != nil {
		return err
	}

	exOpts, wmCol, err := e.extractOptions(tc, src, plan, res.TableID)
	if err != nil {
		return err
	}

	return e.runChunks(ctx, tc, plan, loadPlan, exOpts, wmCol, res)
}

// extractOptions decides the chunking strategy for a table: the watermark
// column when configured, the single-column primary key otherwise, and a
// full scan when neither exists.
func (e *Engine) extractOptions(tc config.TableConfig, src *schema.Table, plan *mapping.Plan, tableID string) (extract.Options, string, error) {
	opts := extract.Options{
		Schema:    tc.SourceSchema,
		Table:     tc.SourceTable,
		ChunkSize: e.Opts.ChunkSize,
	}

	if tc.Watermark != nil {
		opts.Mode = extract.ModeKeyset
		opts.KeyColumn = tc.Watermark.Column

		ws, err := e.Store.Watermark(tableID)
		if err != nil {
			return opts, "", err
		}
		switch {
		case ws != nil:
			// A persisted watermark is the last delivered value, so
			// resumption is strictly after it.
			opts.Start = ws.LastValue
			opts.StartBound = dialect.BoundExclusive
		case tc.Watermark.Since != "":
			opts.Start = ParseSince(tc.Watermark.Since)
			opts.StartBound = dialect.BoundInclusive
		}
		opts.Columns = withColumn(plan.SourceColumns, opts.KeyColumn)
		return opts, tc.Watermark.Column, nil
	}

	if key := src.KeysetColumn(); key != "" {
		opts.Mode = extract.ModeKeyset
		opts.KeyColumn = key
		opts.Columns = withColumn(plan.SourceColumns, key)

		ts, err := e.Store.Transfer(tableID)
		if err != nil {
			return opts, "", err
		}
		if ts != nil && ts.Status != state.StatusCompleted && ts.LastCursor != nil {
			opts.Start = ts.LastCursor
			opts.StartBound = dialect.BoundExclusive
			logging.Info("Resuming %s from cursor %v", tableID, ts.LastCursor)
		}
		return opts, "", nil
	}

	opts.Mode = extract.ModeFullScan
	opts.Columns = plan.SourceColumns
	return opts, "", nil
}

func (e *Engine) runChunks(
	ctx context.Context,
	tc config.TableConfig,
	plan *mapping.Plan,
	loadPlan *load.Plan,
	exOpts extract.Options,
	wmCol string,
	res *TableResult,
) error {
	ext, err := extract.New(e.Source.DB, e.Source.Dialect, exOpts)
	if err != nil {
		return err
	}
	defer ext.Close()

	loader, err := load.NewLoader(e.Target.Dialect, tc.DestSchema, tc.DestTable, plan.DestColumns(), loadPlan)
	if err != nil {
		return err
	}

	if !e.Opts.DryRun {
		if err := e.Store.SetStatus(res.TableID, state.StatusInProgress, ""); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var chunk *extract.Chunk
		if exOpts.Mode == extract.ModeFullScan {
			// The streamed cursor stays open across chunks, so it must run
			// under the table-level context. A mid-scan error fails the
			// table; the rerun restarts the scan from the beginning.
			chunk, err = ext.Next(ctx)
		} else {
			err = e.withRetry(ctx, fmt.Sprintf("extracting %s", res.TableID), func(opCtx context.Context) error {
				var nextErr error
				chunk, nextErr = ext.Next(opCtx)
				return nextErr
			})
		}
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}

		e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseExtracting,
			Chunk: chunk.Index, Rows: int64(len(chunk.Rows))})

		rows := make([][]any, len(chunk.Rows))
		for i, srcRow := range chunk.Rows {
			row := plan.Transform(srcRow)
			if e.Transform != nil {
				row = e.Transform(row)
			}
			rows[i] = row
		}

		if e.Opts.DryRun {
			res.Rows += int64(len(rows))
			res.Chunks++
			continue
		}

		e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseLoading,
			Chunk: chunk.Index, Rows: int64(len(rows))})

		var lr load.Result
		err = e.withRetry(ctx, fmt.Sprintf("loading chunk %d of %s", chunk.Index, res.TableID), func(opCtx context.Context) error {
			var loadErr error
			lr, loadErr = e.commitChunk(opCtx, loader, rows, res.TableID, chunk.Index)
			return loadErr
		})
		if err != nil {
			return err
		}

		// The chunk is durable; only now may its cursor move forward.
		if err := e.Store.RecordChunk(res.TableID, int64(len(rows)), chunk.LastKey); err != nil {
			return err
		}
		if wmCol != "" && chunk.LastKey != nil {
			if err := e.Store.AdvanceWatermark(res.TableID, wmCol, chunk.LastKey); err != nil {
				return err
			}
		}

		res.Rows += int64(len(rows))
		res.Skipped += lr.Skipped
		res.Chunks++
		e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseCommitted,
			Chunk: chunk.Index, Rows: int64(len(rows)), Skipped: lr.Skipped})
	}

	return nil
}

// commitChunk writes one chunk inside its own transaction.
func (e *Engine) commitChunk(ctx context.Context, loader *load.Loader, rows [][]any, tableID string, chunkIdx int) (load.Result, error) {
	tx, err := e.Target.DB.BeginTx(ctx, nil)
	if err != nil {
		return load.Result{}, fmt.Errorf("beginning transaction for %s: %w", tableID, err)
	}

	res, err := loader.LoadChunk(ctx, tx, rows)
	if err != nil {
		tx.Rollback()
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, &CommitError{Table: tableID, Chunk: chunkIdx, Err: err}
	}
	return res, nil
}

// autoCreate renders and runs CREATE TABLE for a missing destination. In
// dry-run mode the DDL is logged but not executed.
func (e *Engine) autoCreate(ctx context.Context, tc config.TableConfig, plan *mapping.Plan, res *TableResult) (*schema.Table, error) {
	e.emit(progress.Event{Table: res.TableID, Phase: progress.PhaseCreating})

	cp, err := buildCreateTable(e.Source.Dialect, e.Target.Dialect, tc.DestSchema, tc.DestTable, plan)
	if err != nil {
		return nil, err
	}
	for _, col := range cp.Fallbacks {
		logging.Warn("Column %s.%s has no type mapping, using %s",
			res.TableID, col, e.Target.Dialect.TextFallbackType())
	}
	logging.Info("Creating table %s:\n%s", res.TableID, cp.DDL)

	if e.Opts.DryRun {
		return cp.Table, nil
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	if _, err := e.Target.DB.ExecContext(opCtx, cp.DDL); err != nil {
		if !isAlreadyExistsError(err) {
			return nil, fmt.Errorf("creating %s: %w", res.TableID, err)
		}
		// Someone else created it; pick up the live shape instead.
		return e.inspect(ctx, e.TargetInspector, tc.DestSchema, tc.DestTable)
	}
	res.Created = true
	return cp.Table, nil
}

// EstimateRows returns the source row count for progress sizing. Best
// effort; callers treat an error as "unknown".
func (e *Engine) EstimateRows(ctx context.Context, tc config.TableConfig) (int64, error) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s",
		e.Source.Dialect.QualifyTable(tc.SourceSchema, tc.SourceTable))
	var n int64
	if err := e.Source.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// VacuumAnalyze refreshes planner statistics on a PostgreSQL destination
// table. A no-op for other families.
func (e *Engine) VacuumAnalyze(ctx context.Context, tc config.TableConfig) error {
	if e.Target.Dialect.Name() != "postgres" {
		return nil
	}
	q := "VACUUM ANALYZE " + e.Target.Dialect.QualifyTable(tc.DestSchema, tc.DestTable)
	logging.Debug("%s", q)
	_, err := e.Target.DB.ExecContext(ctx, q)
	return err
}

func (e *Engine) inspect(ctx context.Context, in schema.Inspector, schemaName, table string) (*schema.Table, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	return in.Table(opCtx, schemaName, table)
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, e.Opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// withRetry runs fn under the operation timeout, retrying transient
// failures with exponential backoff.
func (e *Engine) withRetry(ctx context.Context, desc string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.Opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.Opts.RetryBackoff * time.Duration(1<<(attempt-1))
			logging.Warn("Retry %d/%d for %s after %v (error: %v)", attempt, e.Opts.MaxRetries, desc, backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		opCtx, cancel := e.opContext(ctx)
		err = fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d retries: %w", desc, e.Opts.MaxRetries, err)
}

func (e *Engine) emit(ev progress.Event) {
	if e.Listener != nil {
		e.Listener(ev)
	}
}

// TableID is the state-store key for a configured table.
func TableID(tc config.TableConfig) string {
	if tc.DestSchema == "" {
		return tc.DestTable
	}
	return tc.DestSchema + "." + tc.DestTable
}

// withColumn appends col to cols unless already present. Appending keeps
// mapping indexes stable when the ordering key is not itself mapped.
func withColumn(cols []string, col string) []string {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	out := make([]string, 0, len(cols)+1)
	out = append(out, cols...)
	return append(out, col)
}
