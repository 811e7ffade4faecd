package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"civicreg/internal/domain"
	"civicreg/internal/normalize"
	"civicreg/internal/storage"
)

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func chunks(n int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += storage.BatchSize {
		j := i + storage.BatchSize
		if j > n {
			j = n
		}
		out = append(out, [2]int{i, j})
	}
	return out
}

// WriteRaw stores every fetched record in one transaction and returns the
// raw ids keyed by service_request_id and by correlation handle.
func (s *Store) WriteRaw(ctx context.Context, runID int64, events []domain.RawEvent) (domain.RawWriteResult, error) {
	result := domain.RawWriteResult{
		Count:    len(events),
		IDBySRID: make(map[string]int64, len(events)),
		IDByRef:  make(map[string]int64, len(events)),
	}
	if len(events) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks(len(events)) {
		part := events[c[0]:c[1]]
		b := &pgx.Batch{}
		for _, ev := range part {
			var requestedAt *time.Time
			if t, err := normalize.ParseRequestedAt(ev.RequestedDatetime); err == nil {
				requestedAt = &t
			}
			payload := string(ev.Payload)
			if payload == "" {
				payload = "{}"
			}
			b.Queue(
				`INSERT INTO events_raw (run_id, correlation_ref, service_request_id, title, description, requested_at,
				   status, lat, lon, address_string, service_name, media_path, payload)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING raw_id`,
				runID, ev.Ref, nullString(strings.TrimSpace(ev.ServiceRequestID)), ev.Title, ev.Description, requestedAt,
				nullString(strings.ToLower(strings.TrimSpace(ev.Status))), ev.Lat, ev.Lon,
				ev.AddressString, ev.ServiceName, nullString(normalize.MediaPath(ev.MediaURL)), payload,
			)
		}
		br := tx.SendBatch(ctx, b)
		for _, ev := range part {
			var id int64
			if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return result, fmt.Errorf("insert raw %s: %w", ev.Ref, err)
			}
			result.IDByRef[ev.Ref] = id
			srid := strings.TrimSpace(ev.ServiceRequestID)
			if _, seen := result.IDBySRID[srid]; srid != "" && !seen {
				result.IDBySRID[srid] = id
			}
		}
		if err := br.Close(); err != nil {
			return result, err
		}
	}
	return result, tx.Commit(ctx)
}

func (s *Store) WriteRejected(ctx context.Context, runID int64, records []domain.RejectRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	written := 0
	for _, c := range chunks(len(records)) {
		part := records[c[0]:c[1]]
		b := &pgx.Batch{}
		for _, rec := range part {
			details, err := json.Marshal(rec.Details)
			if err != nil {
				return written, fmt.Errorf("encode reject details: %w", err)
			}
			b.Queue(
				`INSERT INTO events_rejected (run_id, raw_id, service_request_id, accepted, reject_reason, reject_details)
				 VALUES ($1,$2,$3,$4,$5,$6)`,
				runID, rec.RawID, nullString(strings.TrimSpace(rec.Raw.ServiceRequestID)),
				rec.Accepted, string(rec.Reason), string(details),
			)
		}
		br := tx.SendBatch(ctx, b)
		for range part {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return written, fmt.Errorf("insert reject: %w", err)
			}
			written++
		}
		if err := br.Close(); err != nil {
			return written, err
		}
	}
	return written, tx.Commit(ctx)
}

// UpsertEvents inserts or overwrites canonical events. xmax is zero only for
// freshly inserted rows, which is how inserts and updates are told apart.
func (s *Store) UpsertEvents(ctx context.Context, runID int64, events []domain.CanonicalEvent) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if len(events) == 0 {
		return result, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks(len(events)) {
		part := events[c[0]:c[1]]
		b := &pgx.Batch{}
		for _, ev := range part {
			b.Queue(
				`INSERT INTO events (service_request_id, title, description, description_redacted, dedupe_text,
				   requested_at, status, lat, lon, address_string, service_name, category, subcategory, subcategory2,
				   media_path, year, sequence_number, has_description, has_media, skip_llm, is_link_only, is_flagged_abuse,
				   first_seen_at, last_seen_at, last_run_id)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,now(),now(),$23)
				 ON CONFLICT (service_request_id) DO UPDATE SET
				   title = EXCLUDED.title,
				   description = EXCLUDED.description,
				   description_redacted = EXCLUDED.description_redacted,
				   dedupe_text = EXCLUDED.dedupe_text,
				   requested_at = EXCLUDED.requested_at,
				   status = EXCLUDED.status,
				   lat = EXCLUDED.lat,
				   lon = EXCLUDED.lon,
				   address_string = EXCLUDED.address_string,
				   service_name = EXCLUDED.service_name,
				   category = EXCLUDED.category,
				   subcategory = EXCLUDED.subcategory,
				   subcategory2 = EXCLUDED.subcategory2,
				   media_path = EXCLUDED.media_path,
				   year = EXCLUDED.year,
				   sequence_number = EXCLUDED.sequence_number,
				   has_description = EXCLUDED.has_description,
				   has_media = EXCLUDED.has_media,
				   skip_llm = EXCLUDED.skip_llm,
				   is_link_only = EXCLUDED.is_link_only,
				   is_flagged_abuse = EXCLUDED.is_flagged_abuse,
				   last_seen_at = now(),
				   last_run_id = EXCLUDED.last_run_id
				 RETURNING (xmax = 0)`,
				ev.ServiceRequestID, ev.Title, ev.Description, ev.DescriptionRedacted, ev.DedupeText,
				ev.RequestedAt.UTC(), ev.Status, ev.Lat, ev.Lon, ev.AddressString, ev.ServiceName,
				ev.Category, nullString(ev.Subcategory), nullString(ev.Subcategory2),
				nullString(ev.MediaPath), ev.Year, ev.SequenceNumber,
				ev.HasDescription, ev.HasMedia, ev.SkipLLM, ev.IsLinkOnly, ev.IsFlaggedAbuse,
				runID,
			)
		}
		br := tx.SendBatch(ctx, b)
		for _, ev := range part {
			var inserted bool
			if err := br.QueryRow().Scan(&inserted); err != nil {
				_ = br.Close()
				return result, fmt.Errorf("upsert %s: %w", ev.ServiceRequestID, err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		}
		if err := br.Close(); err != nil {
			return result, err
		}
	}
	result.Total = result.Inserted + result.Updated
	return result, tx.Commit(ctx)
}

func (s *Store) FindDuplicateCandidates(ctx context.Context, q domain.DuplicateQuery) ([]domain.DuplicateCandidate, error) {
	query, args, err := storage.DuplicateCandidates(sq.Dollar, q, q.From.UTC(), q.To.UTC())
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query duplicate candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.DuplicateCandidate
	for rows.Next() {
		var c domain.DuplicateCandidate
		if err := rows.Scan(&c.ServiceRequestID, &c.Lat, &c.Lon, &c.RequestedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MaxSequenceForYear(ctx context.Context, year int) (int, bool, error) {
	var max *int
	err := s.pool.QueryRow(ctx, `SELECT MAX(sequence_number) FROM events WHERE year = $1`, year).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// ErrNoEvent is returned by GetEvent for an unknown identifier.
var ErrNoEvent = errors.New("event not found")

func (s *Store) GetEvent(ctx context.Context, serviceRequestID string) (domain.CanonicalEvent, error) {
	var ev domain.CanonicalEvent
	var tit, redacted, addr, svc, cat, sub, sub2, media *string
	err := s.pool.QueryRow(ctx,
		`SELECT service_request_id, title, description, description_redacted, dedupe_text, requested_at, status,
		        lat, lon, address_string, service_name, category, subcategory, subcategory2, media_path,
		        year, sequence_number, has_description, has_media, skip_llm, is_link_only, is_flagged_abuse
		 FROM events WHERE service_request_id = $1`,
		serviceRequestID,
	).Scan(
		&ev.ServiceRequestID, &tit, &ev.Description, &redacted, &ev.DedupeText, &ev.RequestedAt, &ev.Status,
		&ev.Lat, &ev.Lon, &addr, &svc, &cat, &sub, &sub2, &media,
		&ev.Year, &ev.SequenceNumber, &ev.HasDescription, &ev.HasMedia, &ev.SkipLLM, &ev.IsLinkOnly, &ev.IsFlaggedAbuse,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, ErrNoEvent
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	ev.Title = deref(tit)
	ev.DescriptionRedacted = deref(redacted)
	ev.AddressString = deref(addr)
	ev.ServiceName = deref(svc)
	ev.Category = deref(cat)
	ev.Subcategory = deref(sub)
	ev.Subcategory2 = deref(sub2)
	ev.MediaPath = deref(media)
	return ev, err
}
