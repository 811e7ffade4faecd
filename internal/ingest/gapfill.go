package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"civicreg/internal/domain"
	"civicreg/internal/integrations/open311"
	"civicreg/internal/normalize"
)

// gapRange returns the sequence range after last up to and including max.
// A nil last starts at sequence 1; a nil max has no range.
func gapRange(last, max *int) (start, end int, ok bool) {
	if max == nil {
		return 0, 0, false
	}
	start = 1
	if last != nil {
		start = *last + 1
	}
	if start > *max {
		return 0, 0, false
	}
	return start, *max, true
}

// ComputeGapIDs lists the identifiers after last up to and including max for
// year, at most limit of them when limit > 0. A nil last starts at sequence
// 1; a nil max yields nothing.
func ComputeGapIDs(last *int, max *int, year, limit int) []string {
	start, end, ok := gapRange(last, max)
	if !ok {
		return nil
	}
	n := end - start + 1
	if limit > 0 && n > limit {
		n = limit
	}
	ids := make([]string, 0, n)
	for seq := start; len(ids) < n; seq++ {
		ids = append(ids, normalize.FormatServiceRequestID(seq, year))
	}
	return ids
}

// MaxSequenceForYear returns the highest sequence among the valid ids that
// belong to year, or nil when none do.
func MaxSequenceForYear(ids []string, year int) *int {
	var max *int
	for _, id := range ids {
		seq, y, ok := normalize.ValidServiceRequestID(id)
		if !ok || y != year {
			continue
		}
		if max == nil || seq > *max {
			s := seq
			max = &s
		}
	}
	return max
}

type SequenceStore interface {
	MaxSequenceForYear(ctx context.Context, year int) (int, bool, error)
}

type IDFetcher interface {
	FetchByID(ctx context.Context, serviceRequestID string) (domain.RawEvent, error)
}

// GapFiller re-fetches identifiers that are missing between the persisted
// and the fetched maximum sequence of each year.
type GapFiller struct {
	store   SequenceStore
	fetcher IDFetcher
	workers int
	limit   int
	log     *slog.Logger
}

func NewGapFiller(store SequenceStore, fetcher IDFetcher, workers, limit int, log *slog.Logger) *GapFiller {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &GapFiller{store: store, fetcher: fetcher, workers: workers, limit: limit, log: log}
}

// Targets computes the identifiers to re-fetch for batch, years ascending,
// skipping identifiers already present and stopping at the limit. Only
// identifiers the gate would accept decide the years and maxima, so a
// malformed record cannot widen the range. With a positive limit the work is
// bounded by the limit plus the batch size, whatever the sequence span.
func (g *GapFiller) Targets(ctx context.Context, batch []domain.RawEvent) ([]string, bool, error) {
	present := make(map[string]struct{}, len(batch))
	maxSeq := map[int]int{}
	for _, ev := range batch {
		if ev.ServiceRequestID == "" {
			continue
		}
		present[ev.ServiceRequestID] = struct{}{}
		if seq, y, ok := normalize.ValidServiceRequestID(ev.ServiceRequestID); ok && seq > maxSeq[y] {
			maxSeq[y] = seq
		}
	}
	years := make([]int, 0, len(maxSeq))
	for y := range maxSeq {
		years = append(years, y)
	}
	sort.Ints(years)

	var targets []string
	for _, year := range years {
		persisted, ok, err := g.store.MaxSequenceForYear(ctx, year)
		if err != nil {
			return nil, false, fmt.Errorf("max sequence for %d: %w", year, err)
		}
		var last *int
		if ok {
			last = &persisted
		}
		max := maxSeq[year]
		start, end, ok := gapRange(last, &max)
		if !ok {
			continue
		}
		for seq := start; seq <= end; seq++ {
			id := normalize.FormatServiceRequestID(seq, year)
			if _, dup := present[id]; dup {
				continue
			}
			if g.limit > 0 && len(targets) >= g.limit {
				return targets, true, nil
			}
			targets = append(targets, id)
		}
	}
	return targets, false, nil
}

// Fill fetches the gap identifiers for batch and returns the recovered
// records in (year, sequence) order. Only store failures and cancellation
// are returned as errors; a failed fetch leaves its gap unfilled.
func (g *GapFiller) Fill(ctx context.Context, batch []domain.RawEvent) ([]domain.RawEvent, domain.GapFillStats, error) {
	var stats domain.GapFillStats
	targets, truncated, err := g.Targets(ctx, batch)
	if err != nil {
		return nil, stats, err
	}
	stats.Requested = len(targets)
	stats.Truncated = truncated
	if truncated {
		g.log.Warn("gapfill.truncated", "limit", g.limit)
	}
	if len(targets) == 0 {
		return nil, stats, nil
	}

	results := make([]*domain.RawEvent, len(targets))
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for i, id := range targets {
		eg.Go(func() error {
			ev, err := g.fetcher.FetchByID(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, open311.ErrNotFound):
				stats.Absent++
			case err != nil:
				stats.Failed++
				g.log.Warn("gapfill.fetch_failed", "service_request_id", id, "error", err)
			default:
				results[i] = &ev
			}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	seen := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		if ev.ServiceRequestID != "" {
			seen[ev.ServiceRequestID] = struct{}{}
		}
	}
	var recovered []domain.RawEvent
	for _, ev := range results {
		if ev == nil {
			continue
		}
		if _, dup := seen[ev.ServiceRequestID]; dup {
			continue
		}
		seen[ev.ServiceRequestID] = struct{}{}
		recovered = append(recovered, *ev)
	}
	stats.Recovered = len(recovered)
	g.log.Info("gapfill.done",
		"requested", stats.Requested, "recovered", stats.Recovered,
		"absent", stats.Absent, "failed", stats.Failed)
	return recovered, stats, nil
}
