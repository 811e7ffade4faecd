package ingest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/integrations/open311"
)

type memStore struct {
	mu         sync.Mutex
	nextRun    int64
	runs       map[int64]*domain.PipelineRun
	raws       []domain.RawEvent
	rejects    []domain.RejectRecord
	events     map[string]domain.CanonicalEvent
	maxSeq     map[int]int
	upsertErr  error
	upsertRuns []int64
}

func newMemStore() *memStore {
	return &memStore{
		runs:   map[int64]*domain.PipelineRun{},
		events: map[string]domain.CanonicalEvent{},
		maxSeq: map[int]int{},
	}
}

func (m *memStore) CreateRun(_ context.Context, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun++
	m.runs[m.nextRun] = &domain.PipelineRun{ID: m.nextRun, Status: domain.RunRunning, WindowFrom: from, WindowTo: to}
	return m.nextRun, nil
}

func (m *memStore) CompleteRunSuccess(_ context.Context, runID int64, counts domain.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[runID]
	if run.Status == domain.RunRunning {
		run.Status = domain.RunSuccess
		run.Counts = counts
	}
	return nil
}

func (m *memStore) CompleteRunFailed(_ context.Context, runID int64, counts domain.RunCounts, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[runID]
	if run.Status == domain.RunRunning {
		run.Status = domain.RunFailed
		run.Counts.Fetched = counts.Fetched
		run.Error = runErr.Error()
	}
	return nil
}

func (m *memStore) WriteRaw(_ context.Context, _ int64, events []domain.RawEvent) (domain.RawWriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := domain.RawWriteResult{Count: len(events), IDBySRID: map[string]int64{}, IDByRef: map[string]int64{}}
	for _, ev := range events {
		m.raws = append(m.raws, ev)
		id := int64(len(m.raws))
		res.IDByRef[ev.Ref] = id
		if _, seen := res.IDBySRID[ev.ServiceRequestID]; ev.ServiceRequestID != "" && !seen {
			res.IDBySRID[ev.ServiceRequestID] = id
		}
	}
	return res, nil
}

func (m *memStore) WriteRejected(_ context.Context, _ int64, records []domain.RejectRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects = append(m.rejects, records...)
	return len(records), nil
}

func (m *memStore) UpsertEvents(_ context.Context, runID int64, events []domain.CanonicalEvent) (domain.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return domain.UpsertResult{}, m.upsertErr
	}
	var res domain.UpsertResult
	for _, ev := range events {
		if _, ok := m.events[ev.ServiceRequestID]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		m.events[ev.ServiceRequestID] = ev
		m.upsertRuns = append(m.upsertRuns, runID)
	}
	res.Total = res.Inserted + res.Updated
	return res, nil
}

func (m *memStore) FindDuplicateCandidates(_ context.Context, q domain.DuplicateQuery) ([]domain.DuplicateCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DuplicateCandidate
	for _, ev := range m.events {
		if ev.DedupeText != q.Text || ev.RequestedAt.Before(q.From) || ev.RequestedAt.After(q.To) {
			continue
		}
		if q.ServiceName != "" && ev.ServiceName != q.ServiceName {
			continue
		}
		out = append(out, domain.DuplicateCandidate{ServiceRequestID: ev.ServiceRequestID, Lat: ev.Lat, Lon: ev.Lon, RequestedAt: ev.RequestedAt})
	}
	return out, nil
}

func (m *memStore) MaxSequenceForYear(_ context.Context, year int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.maxSeq[year]
	return v, ok, nil
}

type fakeFetcher struct {
	window    []domain.RawEvent
	windowErr error
	byID      map[string]domain.RawEvent
	failIDs   map[string]bool
	delay     time.Duration

	mu       sync.Mutex
	since    time.Time
	until    time.Time
	idCalls  []string
	inFlight int32
	peak     int32
}

func (f *fakeFetcher) FetchWindow(_ context.Context, since, until time.Time) ([]domain.RawEvent, error) {
	f.mu.Lock()
	f.since, f.until = since, until
	f.mu.Unlock()
	return f.window, f.windowErr
}

func (f *fakeFetcher) FetchByID(ctx context.Context, id string) (domain.RawEvent, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.idCalls = append(f.idCalls, id)
	f.mu.Unlock()
	if f.failIDs[id] {
		return domain.RawEvent{}, errors.New("connection reset")
	}
	if ev, ok := f.byID[id]; ok {
		return ev, nil
	}
	return domain.RawEvent{}, open311.ErrNotFound
}

func (f *fakeFetcher) calledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.idCalls...)
	sort.Strings(out)
	return out
}

func floatPtr(v float64) *float64 { return &v }

// rawEvent builds a record that passes the gate with the default category
// table. description doubles as the fingerprint text.
func rawEvent(id, description, requested string, lat, lon float64) domain.RawEvent {
	return domain.RawEvent{
		Ref:               "ref-" + id,
		ServiceRequestID:  id,
		Title:             "Meldung " + id,
		Description:       description,
		RequestedDatetime: requested,
		Status:            "open",
		Lat:               floatPtr(lat),
		Lon:               floatPtr(lon),
		AddressString:     "50667 Köln, Domkloster 4",
		ServiceName:       "Wilder Müll",
	}
}

func joined(ids []string) string { return strings.Join(ids, ",") }
