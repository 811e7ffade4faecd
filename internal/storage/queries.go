// Package storage holds the query builders shared by the SQLite and
// PostgreSQL backends.
package storage

import (
	sq "github.com/Masterminds/squirrel"

	"civicreg/internal/domain"
)

// BatchSize bounds how many rows go into one round of writes.
const BatchSize = 500

// DuplicateCandidates selects canonical events sharing the fingerprint text
// inside the query window. from and to are passed through so each backend
// can bind its own timestamp representation.
func DuplicateCandidates(format sq.PlaceholderFormat, q domain.DuplicateQuery, from, to any) (string, []any, error) {
	b := sq.Select("service_request_id", "lat", "lon", "requested_at").
		From("events").
		Where(sq.Eq{"dedupe_text": q.Text}).
		Where(sq.GtOrEq{"requested_at": from}).
		Where(sq.LtOrEq{"requested_at": to})
	if q.ServiceName != "" {
		b = b.Where(sq.Eq{"service_name": q.ServiceName})
	}
	if q.Address != "" {
		b = b.Where(sq.Eq{"address_string": q.Address})
	}
	return b.OrderBy("requested_at", "service_request_id").PlaceholderFormat(format).ToSql()
}

var candidateColumns = []string{
	"e.service_request_id",
	"e.title",
	"e.description_redacted",
	"e.requested_at",
	"e.year",
	"e.sequence_number",
}

// Phase1Candidates selects events that never received a phase 1 label,
// newest first. limit <= 0 means no limit.
func Phase1Candidates(format sq.PlaceholderFormat, limit int) (string, []any, error) {
	b := sq.Select(candidateColumns...).
		From("events e").
		Where(sq.Eq{"e.skip_llm": false, "e.has_description": true}).
		Where("NOT EXISTS (SELECT 1 FROM event_phase1_labels l WHERE l.service_request_id = e.service_request_id)").
		OrderBy("e.requested_at DESC", "e.service_request_id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return b.PlaceholderFormat(format).ToSql()
}

// Phase2Candidates selects events whose latest phase 1 label is
// bike-related. Filtering by prompt version and input hash happens in the
// caller, since the hash is computed in Go.
func Phase2Candidates(format sq.PlaceholderFormat) (string, []any, error) {
	return sq.Select(candidateColumns...).
		From("events e").
		Join("event_phase1_labels p1 ON p1.service_request_id = e.service_request_id").
		Where("p1.label_id = (SELECT MAX(l.label_id) FROM event_phase1_labels l WHERE l.service_request_id = e.service_request_id)").
		Where(sq.Eq{"p1.bike_related": true, "e.skip_llm": false, "e.has_description": true}).
		OrderBy("e.requested_at DESC", "e.service_request_id").
		PlaceholderFormat(format).
		ToSql()
}

// Phase2LabeledHashes lists (service_request_id, input_hash) pairs that are
// already labeled under promptVersion.
func Phase2LabeledHashes(format sq.PlaceholderFormat, promptVersion string) (string, []any, error) {
	return sq.Select("service_request_id", "input_hash").
		From("event_phase2_labels").
		Where(sq.Eq{"prompt_version": promptVersion}).
		PlaceholderFormat(format).
		ToSql()
}

// LabelKey joins an identifier and input hash for set lookups.
func LabelKey(serviceRequestID, inputHash string) string {
	return serviceRequestID + "|" + inputHash
}
