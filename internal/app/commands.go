package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/ingest"
	"civicreg/internal/labeling"
	"civicreg/internal/storage/postgres"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *App, args []string) error
}

var commands = []command{
	{"ingest run", "ingest the window --since..--until (YYYY-MM-DD)", runIngest},
	{"ingest backfill", "ingest a whole calendar year", runBackfill},
	{"phase1 run", "label events as bike related or not", runPhase1},
	{"phase2 run", "assign a bike-issue category to bike-related events", runPhase2},
	{"db check", "verify the database is reachable", runDBCheck},
	{"db migrate", "apply the schema", runDBMigrate},
	{"db run", "print a stored ingestion run", runDBRun},
	{"serve", "run scheduled ingestion and serve /metrics and /healthz", runServe},
}

// lookup resolves the leading one or two words of args to a command.
func lookup(args []string) (command, []string, error) {
	if len(args) == 0 {
		return command{}, nil, errors.New("missing command")
	}
	for _, c := range commands {
		words := strings.Fields(c.name)
		if len(args) < len(words) {
			continue
		}
		if strings.Join(args[:len(words)], " ") == c.name {
			return c, args[len(words):], nil
		}
	}
	return command{}, nil, fmt.Errorf("unknown command %q", strings.Join(args[:min(2, len(args))], " "))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: civicreg <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-16s %s\n", c.name, c.summary)
	}
}

// parseFlags parses args into fs. A help request is reported as errHelp so
// the caller can exit cleanly.
func (a *App) parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(a.errOut)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return usageError{msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

var errHelp = errors.New("help requested")

func parseDay(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, usagef("--%s is required", name)
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, usagef("--%s must be YYYY-MM-DD, got %q", name, value)
	}
	return t, nil
}

func runIngest(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("ingest run", flag.ContinueOnError)
	since := fs.String("since", "", "first day of the window (YYYY-MM-DD)")
	until := fs.String("until", "", "last day of the window (YYYY-MM-DD)")
	dryRun := fs.Bool("dry-run", false, "do not write to the database")
	offline := fs.Bool("offline", false, "dry run without opening the database (disables gap fill and persisted duplicate lookup)")
	gapFill := fs.String("gap-fill", "", "override ingestion.enable_gap_fill (true or false)")
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	from, err := parseDay("since", *since)
	if err != nil {
		return err
	}
	to, err := parseDay("until", *until)
	if err != nil {
		return err
	}
	if to.Before(from) {
		return usagef("--until %s is before --since %s", *until, *since)
	}
	if *offline && !*dryRun {
		return usagef("--offline requires --dry-run")
	}
	req := ingest.RunRequest{Since: from, Until: to, DryRun: *dryRun}
	if *gapFill != "" {
		v, err := parseBoolFlag("gap-fill", *gapFill)
		if err != nil {
			return err
		}
		req.GapFill = &v
	}
	return a.ingest(ctx, *offline, func(r *ingest.Runner) (ingest.RunSummary, error) {
		return r.Run(ctx, req)
	})
}

func runBackfill(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("ingest backfill", flag.ContinueOnError)
	year := fs.Int("year", 0, "calendar year to ingest")
	dryRun := fs.Bool("dry-run", false, "do not write to the database")
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	if *year < 2000 || *year > 2100 {
		return usagef("--year must be a four-digit year, got %d", *year)
	}
	return a.ingest(ctx, false, func(r *ingest.Runner) (ingest.RunSummary, error) {
		return r.Backfill(ctx, *year, *dryRun)
	})
}

func (a *App) ingest(ctx context.Context, offline bool, run func(*ingest.Runner) (ingest.RunSummary, error)) error {
	var store ingest.Store
	if !offline {
		s, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}
	runner, err := a.ingestRunner(store)
	if err != nil {
		return err
	}
	summary, err := run(runner)
	fmt.Fprintln(a.out, ingest.FormatRunSummary(summary))
	return err
}

func parseBoolFlag(name, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, usagef("--%s must be true or false, got %q", name, value)
}

func runPhase1(ctx context.Context, a *App, args []string) error {
	return a.label(ctx, domain.Phase1, a.cfg.Labeling.Phase1PromptVersion, args)
}

func runPhase2(ctx context.Context, a *App, args []string) error {
	return a.label(ctx, domain.Phase2, a.cfg.Labeling.Phase2PromptVersion, args)
}

func (a *App) label(ctx context.Context, phase domain.LabelPhase, defaultVersion string, args []string) error {
	fs := flag.NewFlagSet(string(phase)+" run", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum number of events to label (0 for all)")
	dryRun := fs.Bool("dry-run", false, "classify without writing labels")
	version := fs.String("prompt-version", defaultVersion, "prompt version")
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	if *limit < 0 {
		return usagef("--limit must be >= 0, got %d", *limit)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	runner, err := a.labelRunner(store)
	if err != nil {
		return err
	}

	req := labeling.Request{PromptVersion: *version, Limit: *limit, DryRun: *dryRun}
	var result domain.LabelRunResult
	if phase == domain.Phase1 {
		result, err = runner.RunPhase1(ctx, req)
	} else {
		result, err = runner.RunPhase2(ctx, req)
	}
	a.metrics.ObserveLabelRun(phase, result, err)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s: %d attempted, %d inserted, %d skipped, %d failed\n",
		phase, *version, result.Attempted, result.Inserted, result.Skipped, result.Failed)
	return nil
}

func runDBCheck(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("db check", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	store, err := a.openStore(ctx)
	if err != nil {
		a.log.Error("db.check.failed", "error", err)
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		a.log.Error("db.check.failed", "error", err)
		return err
	}
	a.log.Info("db.check.ok", "driver", a.cfg.Database.Driver)
	fmt.Fprintln(a.out, "ok")
	return nil
}

// runDBMigrate applies the schema. Opening either store already does this,
// so the command only has to report the result.
func runDBMigrate(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("db migrate", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if pg, ok := store.(*postgres.Store); ok {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}
	a.log.Info("db.migrated", "driver", a.cfg.Database.Driver)
	fmt.Fprintln(a.out, "schema up to date")
	return nil
}

func runDBRun(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("db run", flag.ContinueOnError)
	id := fs.Int64("id", 0, "pipeline run id")
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}
	if *id <= 0 {
		return usagef("--id is required")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := store.GetRun(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, formatRun(run))
	return nil
}

func formatRun(r domain.PipelineRun) string {
	finished := "-"
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	c := r.Counts
	line := fmt.Sprintf("run %d %s window=%s..%s started=%s finished=%s fetched=%d staged=%d rejected=%d reviewed=%d inserted=%d updated=%d gap_requested=%d gap_recovered=%d",
		r.ID, r.Status, r.WindowFrom.Format(time.DateOnly), r.WindowTo.Format(time.DateOnly),
		r.StartedAt.UTC().Format(time.RFC3339), finished,
		c.Fetched, c.Staged, c.Rejected, c.Reviewed, c.Inserted, c.Updated, c.GapFill.Requested, c.GapFill.Recovered)
	if r.Error != "" {
		line += " error=" + fmt.Sprintf("%q", r.Error)
	}
	return line
}

func helpOK(err error) error {
	if errors.Is(err, errHelp) {
		return nil
	}
	return err
}
