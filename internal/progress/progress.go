// Package progress reports transfer throughput on the terminal and fans
// per-chunk events out to any listener.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Phase labels what a table is currently doing.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseCreating   Phase = "creating"
	PhaseExtracting Phase = "extracting"
	PhaseLoading    Phase = "loading"
	PhaseCommitted  Phase = "committed"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Event is one progress notification from the engine.
type Event struct {
	Table   string
	Phase   Phase
	Chunk   int
	Rows    int64
	Skipped int64
	Err     error
}

// Listener receives events. Implementations must be fast; the engine
// calls them inline between chunks.
type Listener func(Event)

// Tracker renders a terminal progress bar over the whole run and keeps
// totals. Safe for concurrent use by parallel table workers.
type Tracker struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	rows      atomic.Int64
	skipped   atomic.Int64
	startTime time.Time
	quiet     bool
}

// New creates a tracker. quiet suppresses the bar but still accumulates
// totals.
func New(quiet bool) *Tracker {
	return &Tracker{startTime: time.Now(), quiet: quiet}
}

// SetTotal sizes the bar from the pre-flight row estimate. A zero or
// negative total leaves the bar in spinner mode.
func (t *Tracker) SetTotal(total int64) {
	if t.quiet {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if total <= 0 {
		total = -1
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Observe is a Listener that feeds the bar from committed chunks.
func (t *Tracker) Observe(ev Event) {
	if ev.Phase != PhaseCommitted {
		return
	}
	t.rows.Add(ev.Rows)
	t.skipped.Add(ev.Skipped)
	t.mu.Lock()
	if t.bar != nil {
		t.bar.Add64(ev.Rows)
	}
	t.mu.Unlock()
}

// Rows returns the total committed row count so far.
func (t *Tracker) Rows() int64 { return t.rows.Load() }

// Skipped returns the total conflict-skipped row count so far.
func (t *Tracker) Skipped() int64 { return t.skipped.Load() }

// Finish closes the bar and prints a throughput summary.
func (t *Tracker) Finish() {
	t.mu.Lock()
	if t.bar != nil {
		t.bar.Finish()
	}
	t.mu.Unlock()
	if t.quiet {
		return
	}

	elapsed := time.Since(t.startTime)
	rows := t.rows.Load()
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(rows) / secs
	}
	fmt.Println()
	fmt.Printf("Transferred %d rows in %s (%.0f rows/sec)\n", rows, elapsed.Round(time.Second), rate)
	if skipped := t.skipped.Load(); skipped > 0 {
		fmt.Printf("Skipped %d rows on conflicts\n", skipped)
	}
}
