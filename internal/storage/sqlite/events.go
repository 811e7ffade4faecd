package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"civicreg/internal/domain"
	"civicreg/internal/normalize"
	"civicreg/internal/storage"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// WriteRaw stores every fetched record and returns the raw ids keyed by
// service_request_id and by correlation handle.
func (s *Store) WriteRaw(ctx context.Context, runID int64, events []domain.RawEvent) (domain.RawWriteResult, error) {
	result := domain.RawWriteResult{
		Count:    len(events),
		IDBySRID: make(map[string]int64, len(events)),
		IDByRef:  make(map[string]int64, len(events)),
	}
	if len(events) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events_raw (run_id, correlation_ref, service_request_id, title, description, requested_at,
		   status, lat, lon, address_string, service_name, media_path, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return result, err
	}
	defer stmt.Close()

	for _, ev := range events {
		var requestedAt any
		if t, err := normalize.ParseRequestedAt(ev.RequestedDatetime); err == nil {
			requestedAt = ts(t)
		}
		payload := string(ev.Payload)
		if payload == "" {
			payload = "{}"
		}
		srid := strings.TrimSpace(ev.ServiceRequestID)
		res, err := stmt.ExecContext(ctx,
			runID, ev.Ref, nullString(srid), ev.Title, ev.Description, requestedAt,
			nullString(strings.ToLower(strings.TrimSpace(ev.Status))), nullFloat(ev.Lat), nullFloat(ev.Lon),
			ev.AddressString, ev.ServiceName, nullString(normalize.MediaPath(ev.MediaURL)), payload,
		)
		if err != nil {
			return result, fmt.Errorf("insert raw %s: %w", ev.Ref, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return result, err
		}
		result.IDByRef[ev.Ref] = id
		if _, seen := result.IDBySRID[srid]; srid != "" && !seen {
			result.IDBySRID[srid] = id
		}
	}
	return result, tx.Commit()
}

func (s *Store) WriteRejected(ctx context.Context, runID int64, records []domain.RejectRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events_rejected (run_id, raw_id, service_request_id, accepted, reject_reason, reject_details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, rec := range records {
		details, err := json.Marshal(rec.Details)
		if err != nil {
			return written, fmt.Errorf("encode reject details: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			runID, rec.RawID, nullString(strings.TrimSpace(rec.Raw.ServiceRequestID)),
			rec.Accepted, string(rec.Reason), string(details),
		)
		if err != nil {
			return written, fmt.Errorf("insert reject: %w", err)
		}
		written++
	}
	return written, tx.Commit()
}

// UpsertEvents inserts or overwrites canonical events. first_seen_at is only
// set on insert; everything else is last-write-wins.
func (s *Store) UpsertEvents(ctx context.Context, runID int64, events []domain.CanonicalEvent) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if len(events) == 0 {
		return result, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	exists, err := tx.PrepareContext(ctx, `SELECT COUNT(*) FROM events WHERE service_request_id = ?`)
	if err != nil {
		return result, err
	}
	defer exists.Close()

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO events (service_request_id, title, description, description_redacted, dedupe_text,
		   requested_at, status, lat, lon, address_string, service_name, category, subcategory, subcategory2,
		   media_path, year, sequence_number, has_description, has_media, skip_llm, is_link_only, is_flagged_abuse,
		   first_seen_at, last_seen_at, last_run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_request_id) DO UPDATE SET
		   title = excluded.title,
		   description = excluded.description,
		   description_redacted = excluded.description_redacted,
		   dedupe_text = excluded.dedupe_text,
		   requested_at = excluded.requested_at,
		   status = excluded.status,
		   lat = excluded.lat,
		   lon = excluded.lon,
		   address_string = excluded.address_string,
		   service_name = excluded.service_name,
		   category = excluded.category,
		   subcategory = excluded.subcategory,
		   subcategory2 = excluded.subcategory2,
		   media_path = excluded.media_path,
		   year = excluded.year,
		   sequence_number = excluded.sequence_number,
		   has_description = excluded.has_description,
		   has_media = excluded.has_media,
		   skip_llm = excluded.skip_llm,
		   is_link_only = excluded.is_link_only,
		   is_flagged_abuse = excluded.is_flagged_abuse,
		   last_seen_at = excluded.last_seen_at,
		   last_run_id = excluded.last_run_id`,
	)
	if err != nil {
		return result, err
	}
	defer upsert.Close()

	now := ts(time.Now())
	for _, ev := range events {
		var count int
		if err := exists.QueryRowContext(ctx, ev.ServiceRequestID).Scan(&count); err != nil {
			return result, err
		}
		_, err := upsert.ExecContext(ctx,
			ev.ServiceRequestID, ev.Title, ev.Description, ev.DescriptionRedacted, ev.DedupeText,
			ts(ev.RequestedAt), ev.Status, ev.Lat, ev.Lon, ev.AddressString, ev.ServiceName,
			ev.Category, nullString(ev.Subcategory), nullString(ev.Subcategory2),
			nullString(ev.MediaPath), ev.Year, ev.SequenceNumber,
			ev.HasDescription, ev.HasMedia, ev.SkipLLM, ev.IsLinkOnly, ev.IsFlaggedAbuse,
			now, now, runID,
		)
		if err != nil {
			return result, fmt.Errorf("upsert %s: %w", ev.ServiceRequestID, err)
		}
		if count == 0 {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	result.Total = result.Inserted + result.Updated
	return result, tx.Commit()
}

func (s *Store) FindDuplicateCandidates(ctx context.Context, q domain.DuplicateQuery) ([]domain.DuplicateCandidate, error) {
	query, args, err := storage.DuplicateCandidates(sq.Question, q, ts(q.From), ts(q.To))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// MaxSequenceForYear returns the highest stored sequence number for year;
// ok is false when the year has no events.
func (s *Store) MaxSequenceForYear(ctx context.Context, year int) (int, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM events WHERE year = ?`, year).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

func (s *Store) GetEvent(ctx context.Context, serviceRequestID string) (domain.CanonicalEvent, error) {
	var ev domain.CanonicalEvent
	var tit, redacted, sub, sub2, media sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT service_request_id, title, description, description_redacted, dedupe_text, requested_at, status,
		        lat, lon, address_string, service_name, category, subcategory, subcategory2, media_path,
		        year, sequence_number, has_description, has_media, skip_llm, is_link_only, is_flagged_abuse
		 FROM events WHERE service_request_id = ?`,
		serviceRequestID,
	).Scan(
		&ev.ServiceRequestID, &tit, &ev.Description, &redacted, &ev.DedupeText, &ev.RequestedAt, &ev.Status,
		&ev.Lat, &ev.Lon, &ev.AddressString, &ev.ServiceName, &ev.Category, &sub, &sub2, &media,
		&ev.Year, &ev.SequenceNumber, &ev.HasDescription, &ev.HasMedia, &ev.SkipLLM, &ev.IsLinkOnly, &ev.IsFlaggedAbuse,
	)
	ev.Title = tit.String
	ev.DescriptionRedacted = redacted.String
	ev.Subcategory = sub.String
	ev.Subcategory2 = sub2.String
	ev.MediaPath = media.String
	return ev, err
}
