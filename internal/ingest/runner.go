// Package ingest runs the ingestion pipeline: window fetch, gap fill, quality
// gate and persistence, with one run record per live invocation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civicreg/internal/dedupe"
	"civicreg/internal/domain"
	"civicreg/internal/gate"
)

// Store is everything a live run writes to or reads from.
type Store interface {
	dedupe.Store
	SequenceStore
	CreateRun(ctx context.Context, from, to time.Time) (int64, error)
	CompleteRunSuccess(ctx context.Context, runID int64, counts domain.RunCounts) error
	CompleteRunFailed(ctx context.Context, runID int64, counts domain.RunCounts, runErr error) error
	WriteRaw(ctx context.Context, runID int64, events []domain.RawEvent) (domain.RawWriteResult, error)
	WriteRejected(ctx context.Context, runID int64, records []domain.RejectRecord) (int, error)
	UpsertEvents(ctx context.Context, runID int64, events []domain.CanonicalEvent) (domain.UpsertResult, error)
}

type Fetcher interface {
	IDFetcher
	FetchWindow(ctx context.Context, since, until time.Time) ([]domain.RawEvent, error)
}

// Notifier receives the summary of every finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, summary RunSummary) error
}

// Recorder receives the summary of every finished run for metrics.
type Recorder interface {
	ObserveRun(summary RunSummary)
}

type Options struct {
	OverlapHours     int
	EnableGapFill    bool
	GapFillLimit     int
	Workers          int
	Duplicate        dedupe.Config
	LinkOnlyMinChars int
}

type Runner struct {
	store      Store
	fetcher    Fetcher
	categories gate.Categories
	opts       Options
	log        *slog.Logger
	notifier   Notifier
	recorder   Recorder
	now        func() time.Time
}

// NewRunner wires a runner. store may be nil, in which case only dry runs
// without gap fill are possible.
func NewRunner(store Store, fetcher Fetcher, categories gate.Categories, opts Options, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:      store,
		fetcher:    fetcher,
		categories: categories,
		opts:       opts,
		log:        log.With("component", "ingest"),
		now:        time.Now,
	}
}

func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

func (r *Runner) WithRecorder(rec Recorder) *Runner {
	r.recorder = rec
	return r
}

type RunRequest struct {
	Since  time.Time
	Until  time.Time
	DryRun bool
	// GapFill overrides the configured gap-fill setting when set.
	GapFill *bool
}

type RunSummary struct {
	RunID    int64 // 0 for dry runs
	DryRun   bool
	Since    time.Time
	Until    time.Time
	Counts   domain.RunCounts
	Reasons  map[domain.Reason]int
	Duration time.Duration
	Err      error
}

// ErrNoStore is returned for a live run on a runner without storage.
var ErrNoStore = errors.New("live run requires a store")

// Run executes one ingestion. The returned summary is populated even when
// err is non-nil.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	started := r.now()
	summary := RunSummary{
		DryRun:  req.DryRun,
		Since:   req.Since,
		Until:   req.Until,
		Reasons: map[domain.Reason]int{},
	}
	if !req.DryRun && r.store == nil {
		return summary, ErrNoStore
	}
	r.log.Info("ingestion.start", "since", req.Since.Format(time.DateOnly), "until", req.Until.Format(time.DateOnly), "dry_run", req.DryRun)

	if !req.DryRun {
		runID, err := r.store.CreateRun(ctx, req.Since, req.Until)
		if err != nil {
			return r.finish(ctx, summary, started, fmt.Errorf("create run: %w", err))
		}
		summary.RunID = runID
	}

	err := r.execute(ctx, req, &summary)
	if !req.DryRun {
		if err != nil {
			if ferr := r.store.CompleteRunFailed(context.WithoutCancel(ctx), summary.RunID, summary.Counts, err); ferr != nil {
				r.log.Error("ingestion.mark_failed", "run_id", summary.RunID, "error", ferr)
			}
		} else if cerr := r.store.CompleteRunSuccess(ctx, summary.RunID, summary.Counts); cerr != nil {
			err = fmt.Errorf("complete run: %w", cerr)
		}
	}
	return r.finish(ctx, summary, started, err)
}

func (r *Runner) execute(ctx context.Context, req RunRequest, summary *RunSummary) error {
	fetchSince := req.Since.Add(-time.Duration(r.opts.OverlapHours) * time.Hour)
	fetched, err := r.fetcher.FetchWindow(ctx, fetchSince, req.Until)
	if err != nil {
		return fmt.Errorf("fetch window: %w", err)
	}
	summary.Counts.Fetched = len(fetched)
	// Every fetched copy is kept raw; only the first per identifier is gated.
	rawBatch := fetched
	batch := uniqueByID(fetched)
	r.log.Info("ingestion.fetched", "run_id", summary.RunID, "count", len(fetched), "unique", len(batch))

	if r.gapFillEnabled(req) {
		filler := NewGapFiller(r.store, r.fetcher, r.opts.Workers, r.opts.GapFillLimit, r.log)
		recovered, stats, err := filler.Fill(ctx, batch)
		summary.Counts.GapFill = stats
		if err != nil {
			return fmt.Errorf("gap fill: %w", err)
		}
		batch = append(batch, recovered...)
		rawBatch = append(rawBatch[:len(rawBatch):len(rawBatch)], recovered...)
	}
	summary.Counts.Staged = len(batch)

	var dupStore dedupe.Store
	if !req.DryRun {
		dupStore = r.store
	}
	g := gate.New(r.categories, dedupe.New(r.opts.Duplicate, dupStore), gate.Options{LinkOnlyMinChars: r.opts.LinkOnlyMinChars})

	var (
		accepted []domain.CanonicalEvent
		rejected []domain.Rejection
	)
	for _, raw := range batch {
		d, err := g.Evaluate(ctx, raw)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", raw.ServiceRequestID, err)
		}
		switch d.Kind() {
		case domain.KindAccept:
			a, _ := d.Accepted()
			accepted = append(accepted, a.Event)
			if audit, ok := a.AuditRecord(); ok {
				rejected = append(rejected, audit)
				summary.Counts.Reviewed++
				summary.Reasons[audit.Reason]++
			}
		case domain.KindReject:
			rej, _ := d.Rejected()
			rejected = append(rejected, rej)
			summary.Counts.Rejected++
			summary.Reasons[rej.Reason]++
		}
	}
	r.log.Info("ingestion.evaluated", "run_id", summary.RunID,
		"accepted", len(accepted), "rejected", summary.Counts.Rejected, "reviewed", summary.Counts.Reviewed)

	if req.DryRun {
		return nil
	}

	raws, err := r.store.WriteRaw(ctx, summary.RunID, rawBatch)
	if err != nil {
		return fmt.Errorf("write raw: %w", err)
	}
	records := make([]domain.RejectRecord, 0, len(rejected))
	for _, rej := range rejected {
		rawID, ok := raws.RawID(rej.Raw)
		if !ok {
			r.log.Warn("ingestion.reject_unlinked", "ref", rej.Raw.Ref, "reason", rej.Reason)
			continue
		}
		records = append(records, domain.RejectRecord{RawID: rawID, Rejection: rej})
	}
	if _, err := r.store.WriteRejected(ctx, summary.RunID, records); err != nil {
		return fmt.Errorf("write rejected: %w", err)
	}
	up, err := r.store.UpsertEvents(ctx, summary.RunID, accepted)
	if err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}
	summary.Counts.Inserted = up.Inserted
	summary.Counts.Updated = up.Updated
	return nil
}

func (r *Runner) gapFillEnabled(req RunRequest) bool {
	enabled := r.opts.EnableGapFill
	if req.GapFill != nil {
		enabled = *req.GapFill
	}
	// Without a store there is nothing to diff against.
	return enabled && r.store != nil
}

func (r *Runner) finish(ctx context.Context, summary RunSummary, started time.Time, err error) (RunSummary, error) {
	summary.Duration = r.now().Sub(started)
	summary.Err = err
	c := summary.Counts
	attrs := []any{
		"run_id", summary.RunID, "dry_run", summary.DryRun,
		"fetched", c.Fetched, "staged", c.Staged, "rejected", c.Rejected, "reviewed", c.Reviewed,
		"inserted", c.Inserted, "updated", c.Updated,
		"gap_requested", c.GapFill.Requested, "gap_recovered", c.GapFill.Recovered,
		"duration", summary.Duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		r.log.Error("ingestion.failed", append(attrs, "error", err)...)
	} else {
		r.log.Info("ingestion.complete", attrs...)
	}

	if r.recorder != nil {
		r.recorder.ObserveRun(summary)
	}
	if r.notifier != nil {
		if nerr := r.notifier.NotifyRun(context.WithoutCancel(ctx), summary); nerr != nil {
			r.log.Warn("ingestion.notify_failed", "error", nerr)
		}
	}
	return summary, err
}

// Backfill ingests a whole calendar year.
func (r *Runner) Backfill(ctx context.Context, year int, dryRun bool) (RunSummary, error) {
	return r.Run(ctx, RunRequest{
		Since:  time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		Until:  time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
		DryRun: dryRun,
	})
}

// uniqueByID drops later records that repeat an identifier already in the
// batch. Records without an identifier are all kept. The dropped copies are
// still written raw.
func uniqueByID(events []domain.RawEvent) []domain.RawEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]domain.RawEvent, 0, len(events))
	for _, ev := range events {
		id := strings.TrimSpace(ev.ServiceRequestID)
		if id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, ev)
	}
	return out
}

// FormatRunSummary returns a one-paragraph, human-readable run summary.
func FormatRunSummary(s RunSummary) string {
	head := "Ingestion"
	if s.DryRun {
		head = "Ingestion (dry run)"
	}
	if s.RunID > 0 {
		head += fmt.Sprintf(" run %d", s.RunID)
	}
	head += fmt.Sprintf(" %s to %s", s.Since.Format(time.DateOnly), s.Until.Format(time.DateOnly))
	if s.Err != nil {
		return fmt.Sprintf("%s failed after %d fetched: %v", head, s.Counts.Fetched, s.Err)
	}

	c := s.Counts
	parts := []string{fmt.Sprintf("%d fetched", c.Fetched)}
	if c.Staged != c.Fetched {
		parts = append(parts, fmt.Sprintf("%d staged", c.Staged))
	}
	if !s.DryRun {
		parts = append(parts, fmt.Sprintf("%d new", c.Inserted), fmt.Sprintf("%d updated", c.Updated))
	}
	parts = append(parts, fmt.Sprintf("%d rejected", c.Rejected))
	if c.Reviewed > 0 {
		parts = append(parts, fmt.Sprintf("%d flagged for review", c.Reviewed))
	}
	msg := fmt.Sprintf("%s: %s.", head, strings.Join(parts, ", "))
	if g := c.GapFill; g.Requested > 0 {
		msg += fmt.Sprintf(" Gap fill: %d requested, %d recovered, %d absent, %d failed", g.Requested, g.Recovered, g.Absent, g.Failed)
		if g.Truncated {
			msg += " (truncated)"
		}
		msg += "."
	}
	return msg
}
