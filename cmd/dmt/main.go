package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/lokraj/data-migration-tool/internal/config"
	"github.com/lokraj/data-migration-tool/internal/conn"
	"github.com/lokraj/data-migration-tool/internal/engine"
	"github.com/lokraj/data-migration-tool/internal/fileload"
	"github.com/lokraj/data-migration-tool/internal/logging"
	"github.com/lokraj/data-migration-tool/internal/notify"
	"github.com/lokraj/data-migration-tool/internal/progress"
	"github.com/lokraj/data-migration-tool/internal/run"
	"github.com/lokraj/data-migration-tool/internal/secrets"
	"github.com/lokraj/data-migration-tool/internal/state"
	"github.com/lokraj/data-migration-tool/internal/util"
	"github.com/lokraj/data-migration-tool/internal/version"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Transfer the configured tables",
				Action: runTransfer,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Plan, log DDL, and extract without writing",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of tables transferred in parallel",
					},
					&cli.BoolFlag{
						Name:  "stop-on-error",
						Usage: "Stop the run at the first failed table",
					},
					&cli.StringSliceFlag{
						Name:  "tables",
						Usage: "Only transfer these destination tables",
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Suppress the progress bar",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show per-table transfer state",
				Action: showStatus,
			},
			{
				Name:   "history",
				Usage:  "List past runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
			},
			{
				Name:   "reset",
				Usage:  "Clear persisted table state and watermarks",
				Action: resetState,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "table",
						Usage: "Reset only this table (default: all tables)",
					},
				},
			},
			{
				Name:      "load-file",
				Usage:     "Load a CSV, TSV, or XLSX file into a destination table",
				ArgsUsage: "FILE",
				Action:    loadFile,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "table",
						Usage:    "Destination table name",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "create-table",
						Usage: "Create the destination table when missing",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Compare source and destination row counts",
				Action: validateCounts,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) error {
	lvl, err := logging.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logging.SetLevel(lvl)
	logging.SetFormat(c.String("log-format"))
	return nil
}

// loadConfig parses the configuration file, overlays the secrets file
// and environment credentials, and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, *secrets.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	sec, err := secrets.Load()
	if err != nil {
		return nil, nil, err
	}
	sec.Apply(cfg)
	if c.Bool("dry-run") {
		cfg.Options.DryRun = true
	}
	if c.IsSet("workers") {
		cfg.Options.Workers = c.Int("workers")
	}
	if c.Bool("stop-on-error") {
		cfg.Options.StopOnFirstFailure = true
	}
	return cfg, sec, nil
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted run stops at
// the next chunk boundary with its state intact.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. State is saved; rerun to resume.")
		cancel()
	}()
	return ctx, cancel
}

func runTransfer(c *cli.Context) error {
	cfg, sec, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	source, err := conn.Open(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("connecting to source: %w", err)
	}
	defer source.Close()
	target, err := conn.Open(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer target.Close()

	store, err := state.Open(cfg.Options.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(source, target, store, cfg.Options)
	tracker := progress.New(c.Bool("quiet"))
	coord := run.New(cfg, eng, store, tracker)
	coord.Notifier = notify.New(&notify.SlackConfig{
		Enabled:    sec.Notifications.SlackEnabled,
		WebhookURL: sec.Notifications.SlackWebhookURL,
		Channel:    sec.Notifications.SlackChannel,
		Username:   sec.Notifications.SlackUsername,
	})

	var only []string
	for _, entry := range c.StringSlice("tables") {
		only = append(only, util.SplitCSV(entry)...)
	}
	sum, err := coord.Run(ctx, only)
	if err != nil {
		return err
	}
	if sum.Err != nil {
		return fmt.Errorf("%d of %d tables failed: %w", sum.Failed, len(sum.Tables), sum.Err)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.Options.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	transfers, err := store.ListTransfers()
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		fmt.Println("No transfer state recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATUS\tROWS\tCURSOR\tUPDATED")
	for _, ts := range transfers {
		cursor := ""
		if ts.LastCursor != nil {
			cursor = fmt.Sprintf("%v", ts.LastCursor)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			ts.TableID, ts.Status, ts.RowsTransferred, cursor,
			ts.UpdatedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func showHistory(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.Options.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tROWS\tSTARTED\tDURATION")
	for _, r := range runs {
		dur := ""
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		status := r.Status
		if r.DryRun {
			status += " (dry-run)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.ID, status, r.TotalRows, r.StartedAt.Local().Format(time.RFC3339), dur)
	}
	return w.Flush()
}

func resetState(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.Options.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if table := c.String("table"); table != "" {
		if err := store.ResetTable(table); err != nil {
			return err
		}
		fmt.Printf("Reset state for %s\n", table)
		return nil
	}
	if err := store.ResetAll(); err != nil {
		return err
	}
	fmt.Println("Reset state for all tables.")
	return nil
}

func loadFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one file argument")
	}
	path := c.Args().First()

	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("create-table") {
		cfg.Options.CreateTables = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	target, err := conn.Open(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer target.Close()

	src, err := fileload.Read(afero.NewOsFs(), path)
	if err != nil {
		return err
	}

	tc := config.TableConfig{
		SourceTable: c.String("table"),
		DestTable:   c.String("table"),
		DestSchema:  cfg.Options.DestSchema,
	}
	loader := fileload.NewLoader(target, cfg.Options)
	n, err := loader.Load(ctx, tc, src)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d rows from %s into %s\n", n, path, tc.DestTable)
	return nil
}

func validateCounts(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	source, err := conn.Open(ctx, cfg.Source)
	if err != nil {
		return fmt.Errorf("connecting to source: %w", err)
	}
	defer source.Close()
	target, err := conn.Open(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer target.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSOURCE\tTARGET\tMATCH")
	mismatches := 0
	for _, tc := range cfg.Tables {
		var srcN, dstN int64
		srcQ := "SELECT COUNT(*) FROM " + source.Dialect.QualifyTable(tc.SourceSchema, tc.SourceTable)
		if err := source.DB.QueryRowContext(ctx, srcQ).Scan(&srcN); err != nil {
			return fmt.Errorf("counting %s: %w", tc.SourceTable, err)
		}
		dstQ := "SELECT COUNT(*) FROM " + target.Dialect.QualifyTable(tc.DestSchema, tc.DestTable)
		if err := target.DB.QueryRowContext(ctx, dstQ).Scan(&dstN); err != nil {
			return fmt.Errorf("counting %s: %w", tc.DestTable, err)
		}
		match := "yes"
		if srcN != dstN {
			match = "NO"
			mismatches++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", engine.TableID(tc), srcN, dstN, match)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if mismatches > 0 {
		return fmt.Errorf("%d tables have mismatched row counts", mismatches)
	}
	return nil
}
