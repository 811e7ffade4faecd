package dedupe

import (
	"context"
	"fmt"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/normalize"
)

const (
	SourceRun   = "run"
	SourceStore = "store"
)

type Config struct {
	WindowHours        int
	CoordPrecision     int
	RequireServiceName bool
	RequireAddress     bool
}

// Store is the persisted tier. Implementations return every canonical event
// whose stored fingerprint text and optional service name/address match the
// query inside its time window; coordinates are compared here.
type Store interface {
	FindDuplicateCandidates(ctx context.Context, q domain.DuplicateQuery) ([]domain.DuplicateCandidate, error)
}

type seenEntry struct {
	ServiceRequestID string
	RequestedAt      time.Time
}

// Detector is owned by a single run. It is not safe for concurrent use.
type Detector struct {
	cfg   Config
	store Store
	seen  map[domain.DuplicateKey][]seenEntry
}

type Match struct {
	DuplicateOf string
	Source      string
}

// New returns a detector. A nil store limits detection to the current run.
func New(cfg Config, store Store) *Detector {
	return &Detector{
		cfg:   cfg,
		store: store,
		seen:  make(map[domain.DuplicateKey][]seenEntry),
	}
}

func (d *Detector) Window() time.Duration {
	return time.Duration(d.cfg.WindowHours) * time.Hour
}

func (d *Detector) Config() Config { return d.cfg }

// Key builds the fingerprint for an event that already passed validation.
func (d *Detector) Key(description string, lat, lon float64, serviceName, address string) domain.DuplicateKey {
	k := domain.DuplicateKey{
		Text:     normalize.ForDedupe(description),
		LatRound: normalize.RoundCoord(lat, d.cfg.CoordPrecision),
		LonRound: normalize.RoundCoord(lon, d.cfg.CoordPrecision),
	}
	if d.cfg.RequireServiceName {
		k.ServiceName = serviceName
	}
	if d.cfg.RequireAddress {
		k.Address = address
	}
	return k
}

// Check looks for an earlier report with the same key inside the window,
// first among records seen in this run, then in the store. A record never
// duplicates itself.
func (d *Detector) Check(ctx context.Context, key domain.DuplicateKey, serviceRequestID string, requestedAt time.Time) (Match, bool, error) {
	window := d.Window()
	for _, e := range d.seen[key] {
		if e.ServiceRequestID == serviceRequestID {
			continue
		}
		if absDuration(requestedAt.Sub(e.RequestedAt)) <= window {
			return Match{DuplicateOf: e.ServiceRequestID, Source: SourceRun}, true, nil
		}
	}

	if d.store == nil {
		return Match{}, false, nil
	}
	candidates, err := d.store.FindDuplicateCandidates(ctx, domain.DuplicateQuery{
		Text:        key.Text,
		ServiceName: key.ServiceName,
		Address:     key.Address,
		From:        requestedAt.Add(-window),
		To:          requestedAt.Add(window),
	})
	if err != nil {
		return Match{}, false, fmt.Errorf("persisted duplicate lookup: %w", err)
	}
	for _, c := range candidates {
		if c.ServiceRequestID == serviceRequestID {
			continue
		}
		if normalize.RoundCoord(c.Lat, d.cfg.CoordPrecision) != key.LatRound ||
			normalize.RoundCoord(c.Lon, d.cfg.CoordPrecision) != key.LonRound {
			continue
		}
		return Match{DuplicateOf: c.ServiceRequestID, Source: SourceStore}, true, nil
	}
	return Match{}, false, nil
}

// Record adds a non-duplicate record to the in-run index.
func (d *Detector) Record(key domain.DuplicateKey, serviceRequestID string, requestedAt time.Time) {
	d.seen[key] = append(d.seen[key], seenEntry{ServiceRequestID: serviceRequestID, RequestedAt: requestedAt})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
