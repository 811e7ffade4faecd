// Package scheduler triggers ingestion on a 5-field cron schedule over a
// rolling window of recent days.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job ingests the window [since, until].
type Job func(ctx context.Context, since, until time.Time) error

type Options struct {
	Cron       string
	Location   *time.Location
	WindowDays int
}

type Scheduler struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	days     int
	job      Job
	log      *slog.Logger
	running  atomic.Bool
	now      func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func New(opts Options, job Job, log *slog.Logger) (*Scheduler, error) {
	spec := strings.TrimSpace(opts.Cron)
	if spec == "" {
		return nil, errors.New("empty cron schedule")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	if opts.WindowDays < 1 {
		return nil, fmt.Errorf("window days must be positive, got %d", opts.WindowDays)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		spec:     spec,
		schedule: sched,
		loc:      loc,
		days:     opts.WindowDays,
		job:      job,
		log:      log.With("component", "scheduler"),
		now:      time.Now,
	}, nil
}

// Window returns the rolling window ending today in the scheduler's zone.
func (s *Scheduler) Window(now time.Time) (time.Time, time.Time) {
	local := now.In(s.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return today.AddDate(0, 0, -s.days), today
}

func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.loc))
}

// Tick runs the job once unless a previous tick is still running. It
// reports whether the job ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("scheduler.skip_overlap")
		return false
	}
	defer s.running.Store(false)

	since, until := s.Window(s.now())
	s.log.Info("scheduler.tick", "since", since.Format(time.DateOnly), "until", until.Format(time.DateOnly))
	if err := s.job(ctx, since, until); err != nil {
		s.log.Error("scheduler.job_failed", "error", err)
	}
	s.log.Info("scheduler.next", "at", s.Next(s.now()).Format("Mon Jan 2 15:04"))
	return true
}

// Start runs the schedule until ctx is done, then waits for a running tick.
func (s *Scheduler) Start(ctx context.Context) {
	logger := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Tick(ctx) }))
	c.Start()
	s.log.Info("scheduler.started", "cron", s.spec, "timezone", s.loc.String(), "window_days", s.days,
		"next", s.Next(s.now()).Format("Mon Jan 2 15:04"))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler.stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron."+msg, append(keysAndValues, "error", err)...)
}
