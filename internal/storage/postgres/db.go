// Package postgres is the PostgreSQL storage backend. It implements the same
// methods as the SQLite store on a pgx connection pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses dsn, connects a pool of at most maxConns connections and
// applies the schema.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id              BIGSERIAL PRIMARY KEY,
	status              TEXT NOT NULL DEFAULT 'running',
	started_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at         TIMESTAMPTZ,
	fetch_window_start  TIMESTAMPTZ NOT NULL,
	fetch_window_end    TIMESTAMPTZ NOT NULL,
	fetched_count       INTEGER,
	staged_count        INTEGER,
	rejected_count      INTEGER,
	inserted_count      INTEGER,
	updated_count       INTEGER,
	error_json          JSONB
);
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS reviewed_count INTEGER;
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS gap_requested_count INTEGER;
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS gap_recovered_count INTEGER;
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS gap_absent_count INTEGER;
ALTER TABLE pipeline_runs ADD COLUMN IF NOT EXISTS gap_failed_count INTEGER;

CREATE TABLE IF NOT EXISTS events_raw (
	raw_id             BIGSERIAL PRIMARY KEY,
	run_id             BIGINT NOT NULL REFERENCES pipeline_runs(run_id),
	correlation_ref    TEXT NOT NULL,
	service_request_id TEXT,
	title              TEXT,
	description        TEXT,
	requested_at       TIMESTAMPTZ,
	status             TEXT,
	lat                DOUBLE PRECISION,
	lon                DOUBLE PRECISION,
	address_string     TEXT,
	service_name       TEXT,
	media_path         TEXT,
	payload            JSONB NOT NULL DEFAULT '{}'::jsonb,
	fetched_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_raw_run ON events_raw(run_id);
CREATE INDEX IF NOT EXISTS idx_events_raw_srid ON events_raw(service_request_id);

CREATE TABLE IF NOT EXISTS events_rejected (
	reject_id          BIGSERIAL PRIMARY KEY,
	run_id             BIGINT NOT NULL REFERENCES pipeline_runs(run_id),
	raw_id             BIGINT NOT NULL REFERENCES events_raw(raw_id),
	service_request_id TEXT,
	accepted           BOOLEAN NOT NULL DEFAULT false,
	reject_reason      TEXT NOT NULL,
	reject_details     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_rejected_run ON events_rejected(run_id);

CREATE TABLE IF NOT EXISTS events (
	service_request_id   TEXT PRIMARY KEY,
	title                TEXT,
	description          TEXT,
	description_redacted TEXT,
	dedupe_text          TEXT NOT NULL DEFAULT '',
	requested_at         TIMESTAMPTZ NOT NULL,
	status               TEXT NOT NULL,
	lat                  DOUBLE PRECISION NOT NULL,
	lon                  DOUBLE PRECISION NOT NULL,
	address_string       TEXT,
	service_name         TEXT,
	category             TEXT,
	subcategory          TEXT,
	subcategory2         TEXT,
	media_path           TEXT,
	year                 INTEGER NOT NULL,
	sequence_number      INTEGER NOT NULL,
	has_description      BOOLEAN NOT NULL DEFAULT false,
	has_media            BOOLEAN NOT NULL DEFAULT false,
	skip_llm             BOOLEAN NOT NULL DEFAULT false,
	is_link_only         BOOLEAN NOT NULL DEFAULT false,
	is_flagged_abuse     BOOLEAN NOT NULL DEFAULT false,
	first_seen_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_run_id          BIGINT
);
CREATE INDEX IF NOT EXISTS idx_events_year_seq ON events(year, sequence_number);
CREATE INDEX IF NOT EXISTS idx_events_dedupe ON events(dedupe_text, requested_at);
CREATE INDEX IF NOT EXISTS idx_events_requested_at ON events(requested_at);

CREATE TABLE IF NOT EXISTS labeling_runs (
	label_run_id                     BIGSERIAL PRIMARY KEY,
	phase                            TEXT NOT NULL,
	model                            TEXT NOT NULL,
	prompt_version                   TEXT NOT NULL,
	dry_run                          BOOLEAN NOT NULL DEFAULT false,
	requested_limit                  INTEGER,
	status                           TEXT NOT NULL DEFAULT 'running',
	started_at                       TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at                      TIMESTAMPTZ,
	selected_count                   INTEGER,
	attempted_count                  INTEGER,
	inserted_count                   INTEGER,
	skipped_count                    INTEGER,
	failed_count                     INTEGER,
	first_labeled_service_request_id TEXT,
	last_labeled_service_request_id  TEXT,
	min_labeled_requested_at         TIMESTAMPTZ,
	max_labeled_requested_at         TIMESTAMPTZ,
	error_json                       JSONB
);

CREATE TABLE IF NOT EXISTS event_phase1_labels (
	label_id           BIGSERIAL PRIMARY KEY,
	service_request_id TEXT NOT NULL REFERENCES events(service_request_id),
	model              TEXT NOT NULL,
	prompt_version     TEXT NOT NULL,
	input_hash         TEXT NOT NULL,
	bike_related       BOOLEAN,
	confidence         DOUBLE PRECISION NOT NULL,
	evidence           JSONB NOT NULL DEFAULT '[]'::jsonb,
	reasoning          TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (service_request_id, prompt_version, input_hash)
);

CREATE TABLE IF NOT EXISTS event_phase2_labels (
	label_id            BIGSERIAL PRIMARY KEY,
	service_request_id  TEXT NOT NULL REFERENCES events(service_request_id),
	model               TEXT NOT NULL,
	prompt_version      TEXT NOT NULL,
	input_hash          TEXT NOT NULL,
	bike_issue_category TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	evidence            JSONB NOT NULL DEFAULT '[]'::jsonb,
	reasoning           TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (service_request_id, prompt_version, input_hash)
);
`

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
