// Package run sequences the configured tables through the engine,
// fanning out across workers and aggregating a run summary.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/engine"
	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/notify"
	"github.com/lokraj/data-migration-tool/internal/progress"
	"github.com/lokraj/data-migration-tool/internal/state"
)

// Summary is the outcome of one run.
type Summary struct {
	RunID        string
	Tables       []*engine.TableResult
	TotalRows    int64
	TotalSkipped int64
	Failed       int
	// Err aggregates table failures. Nil when every table completed.
	Err error
}

// Coordinator drives a whole configured run.
type Coordinator struct {
	Config   *config.Config
	Engine   *engine.Engine
	Store    *state.Store
	Tracker  *progress.Tracker
	Notifier *notify.Notifier
}

// New wires a coordinator over an engine and its state store.
func New(cfg *config.Config, eng *engine.Engine, store *state.Store, tracker *progress.Tracker) *Coordinator {
	return &Coordinator{Config: cfg, Engine: eng, Store: store, Tracker: tracker, Notifier: notify.New(nil)}
}

// Run transfers every configured table, or just those named in only
// (matched against destination table names). Table failures land in the
// summary; the returned error reports only run-level problems.
func (c *Coordinator) Run(ctx context.Context, only []string) (*Summary, error) {
	tables, err := c.selectTables(only)
	if err != nil {
		return nil, err
	}

	sum := &Summary{RunID: uuid.NewString()}
	opts := c.Config.Options
	started := time.Now()

	if err := c.Store.CreateRun(sum.RunID, opts.DryRun); err != nil {
		return nil, err
	}
	logging.Info("Run %s: %d tables, %d workers", sum.RunID, len(tables), opts.Workers)
	// Notification failures are logged by the notifier and never fail the run.
	_ = c.Notifier.RunStarted(sum.RunID, len(tables), opts.DryRun)

	if c.Tracker != nil {
		c.estimateTotal(ctx, tables)
		c.Engine.Listener = c.Tracker.Observe
	}

	if opts.Workers <= 1 {
		c.runSequential(ctx, tables, sum)
	} else {
		c.runParallel(ctx, tables, sum)
	}

	for _, res := range sum.Tables {
		sum.TotalRows += res.Rows
		sum.TotalSkipped += res.Skipped
		if res.Err != nil {
			sum.Failed++
			sum.Err = multierror.Append(sum.Err, fmt.Errorf("%s: %w", res.TableID, res.Err))
		}
	}

	status := "completed"
	errMsg := ""
	if sum.Err != nil {
		status = "failed"
		errMsg = sum.Err.Error()
	}
	if err := c.Store.CompleteRun(sum.RunID, status, sum.TotalRows, errMsg); err != nil {
		logging.Warn("Recording run outcome: %v", err)
	}
	if c.Tracker != nil {
		c.Tracker.Finish()
	}
	_ = c.Notifier.RunCompleted(sum.RunID, sum.TotalRows, sum.Failed, time.Since(started))
	return sum, nil
}

func (c *Coordinator) runSequential(ctx context.Context, tables []config.TableConfig, sum *Summary) {
	for _, tc := range tables {
		if ctx.Err() != nil {
			return
		}
		res := c.transferOne(ctx, sum.RunID, tc)
		sum.Tables = append(sum.Tables, res)
		if res.Err != nil && c.Config.Options.StopOnFirstFailure {
			logging.Warn("Stopping run after failure of %s", res.TableID)
			return
		}
	}
}

func (c *Coordinator) runParallel(ctx context.Context, tables []config.TableConfig, sum *Summary) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Config.Options.Workers)

	for _, tc := range tables {
		tc := tc
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := c.transferOne(gctx, sum.RunID, tc)
			mu.Lock()
			sum.Tables = append(sum.Tables, res)
			mu.Unlock()
			if res.Err != nil && c.Config.Options.StopOnFirstFailure {
				// Returning the error cancels gctx and stops the group.
				return res.Err
			}
			return nil
		})
	}
	g.Wait()
}

func (c *Coordinator) transferOne(ctx context.Context, runID string, tc config.TableConfig) *engine.TableResult {
	res := c.Engine.TransferTable(ctx, tc)
	if res.Err != nil {
		_ = c.Notifier.TableFailed(runID, res.TableID, res.Err)
	}
	if res.Err == nil && !res.DryRun && c.Config.Options.VacuumAnalyze {
		if err := c.Engine.VacuumAnalyze(ctx, tc); err != nil {
			logging.Warn("VACUUM ANALYZE on %s: %v", res.TableID, err)
		}
	}
	return res
}

func (c *Coordinator) selectTables(only []string) ([]config.TableConfig, error) {
	if len(only) == 0 {
		return c.Config.Tables, nil
	}
	wanted := make(map[string]bool, len(only))
	for _, n := range only {
		wanted[n] = true
	}
	var out []config.TableConfig
	for _, tc := range c.Config.Tables {
		if wanted[tc.DestTable] || wanted[engine.TableID(tc)] {
			out = append(out, tc)
			delete(wanted, tc.DestTable)
			delete(wanted, engine.TableID(tc))
		}
	}
	for n := range wanted {
		return nil, fmt.Errorf("table %q is not in the configuration", n)
	}
	return out, nil
}

// estimateTotal sizes the progress bar from source row counts, falling
// back to spinner mode when any count fails.
func (c *Coordinator) estimateTotal(ctx context.Context, tables []config.TableConfig) {
	var total int64
	for _, tc := range tables {
		n, err := c.Engine.EstimateRows(ctx, tc)
		if err != nil {
			logging.Debug("Row estimate for %s failed: %v", tc.SourceTable, err)
			c.Tracker.SetTotal(-1)
			return
		}
		total += n
	}
	c.Tracker.SetTotal(total)
}
