package app

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"civicreg/internal/ingest"
	"civicreg/internal/metrics"
	"civicreg/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// runServe runs scheduled ingestion and the metrics endpoint until ctx is
// cancelled.
func runServe(ctx context.Context, a *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	runNow := fs.Bool("run-now", false, "ingest the current window once before waiting for the schedule")
	if err := a.parseFlags(fs, args); err != nil {
		return helpOK(err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	runner, err := a.ingestRunner(store)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Cron:       a.cfg.Scheduler.Cron,
		Location:   a.cfg.Location,
		WindowDays: a.cfg.Scheduler.WindowDays,
	}, func(ctx context.Context, since, until time.Time) error {
		_, err := runner.Run(ctx, ingest.RunRequest{Since: since, Until: until})
		return err
	}, a.log)
	if err != nil {
		return usageError{msg: err.Error()}
	}

	srv := metrics.NewServer(a.cfg.Metrics.ListenAddress, a.metrics.Handler(store.Ping))
	a.log.Info("serve.start", "metrics", a.cfg.Metrics.ListenAddress, "cron", a.cfg.Scheduler.Cron,
		"timezone", a.cfg.Location.String(), "next_run", sched.Next(time.Now()).Format(time.RFC3339))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if *runNow {
			sched.Tick(gctx)
		}
		sched.Start(gctx)
		return nil
	})
	err = g.Wait()
	a.log.Info("serve.stopped")
	return err
}
