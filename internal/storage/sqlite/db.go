package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timestamps are stored as fixed-width UTC text so range predicates compare
// correctly as strings.
const timeLayout = "2006-01-02 15:04:05"

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open initializes the database at path and wraps it in a Store.
func Open(path string) (*Store, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time; the pipeline is sequential apart from gap-fill HTTP.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		status             TEXT NOT NULL DEFAULT 'running',
		started_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished_at        DATETIME,
		fetch_window_start DATETIME NOT NULL,
		fetch_window_end   DATETIME NOT NULL,
		fetched_count      INTEGER,
		staged_count       INTEGER,
		rejected_count     INTEGER,
		inserted_count     INTEGER,
		updated_count      INTEGER,
		error_json         TEXT
	);

	CREATE TABLE IF NOT EXISTS events_raw (
		raw_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id             INTEGER NOT NULL REFERENCES pipeline_runs(run_id),
		correlation_ref    TEXT NOT NULL,
		service_request_id TEXT,
		title              TEXT,
		description        TEXT,
		requested_at       DATETIME,
		status             TEXT,
		lat                REAL,
		lon                REAL,
		address_string     TEXT,
		service_name       TEXT,
		media_path         TEXT,
		payload            TEXT NOT NULL DEFAULT '{}',
		fetched_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_raw_run ON events_raw(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_raw_srid ON events_raw(service_request_id);

	CREATE TABLE IF NOT EXISTS events_rejected (
		reject_id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id             INTEGER NOT NULL REFERENCES pipeline_runs(run_id),
		raw_id             INTEGER NOT NULL REFERENCES events_raw(raw_id),
		service_request_id TEXT,
		accepted           INTEGER NOT NULL DEFAULT 0,
		reject_reason      TEXT NOT NULL,
		reject_details     TEXT NOT NULL DEFAULT '{}',
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_rejected_run ON events_rejected(run_id);

	CREATE TABLE IF NOT EXISTS events (
		service_request_id   TEXT PRIMARY KEY,
		title                TEXT,
		description          TEXT,
		description_redacted TEXT,
		dedupe_text          TEXT NOT NULL DEFAULT '',
		requested_at         DATETIME NOT NULL,
		status               TEXT NOT NULL,
		lat                  REAL NOT NULL,
		lon                  REAL NOT NULL,
		address_string       TEXT,
		service_name         TEXT,
		category             TEXT,
		subcategory          TEXT,
		subcategory2         TEXT,
		media_path           TEXT,
		year                 INTEGER NOT NULL,
		sequence_number      INTEGER NOT NULL,
		has_description      INTEGER NOT NULL DEFAULT 0,
		has_media            INTEGER NOT NULL DEFAULT 0,
		skip_llm             INTEGER NOT NULL DEFAULT 0,
		is_link_only         INTEGER NOT NULL DEFAULT 0,
		is_flagged_abuse     INTEGER NOT NULL DEFAULT 0,
		first_seen_at        DATETIME NOT NULL,
		last_seen_at         DATETIME NOT NULL,
		last_run_id          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_events_year_seq ON events(year, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_events_dedupe ON events(dedupe_text, requested_at);
	CREATE INDEX IF NOT EXISTS idx_events_requested_at ON events(requested_at);

	CREATE TABLE IF NOT EXISTS labeling_runs (
		label_run_id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		phase                            TEXT NOT NULL,
		model                            TEXT NOT NULL,
		prompt_version                   TEXT NOT NULL,
		dry_run                          INTEGER NOT NULL DEFAULT 0,
		requested_limit                  INTEGER,
		status                           TEXT NOT NULL DEFAULT 'running',
		started_at                       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished_at                      DATETIME,
		selected_count                   INTEGER,
		attempted_count                  INTEGER,
		inserted_count                   INTEGER,
		skipped_count                    INTEGER,
		failed_count                     INTEGER,
		first_labeled_service_request_id TEXT,
		last_labeled_service_request_id  TEXT,
		min_labeled_requested_at         DATETIME,
		max_labeled_requested_at         DATETIME,
		error_json                       TEXT
	);

	CREATE TABLE IF NOT EXISTS event_phase1_labels (
		label_id           INTEGER PRIMARY KEY AUTOINCREMENT,
		service_request_id TEXT NOT NULL REFERENCES events(service_request_id),
		model              TEXT NOT NULL,
		prompt_version     TEXT NOT NULL,
		input_hash         TEXT NOT NULL,
		bike_related       INTEGER,
		confidence         REAL NOT NULL,
		evidence           TEXT NOT NULL DEFAULT '[]',
		reasoning          TEXT NOT NULL DEFAULT '',
		created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (service_request_id, prompt_version, input_hash)
	);

	CREATE TABLE IF NOT EXISTS event_phase2_labels (
		label_id            INTEGER PRIMARY KEY AUTOINCREMENT,
		service_request_id  TEXT NOT NULL REFERENCES events(service_request_id),
		model               TEXT NOT NULL,
		prompt_version      TEXT NOT NULL,
		input_hash          TEXT NOT NULL,
		bike_issue_category TEXT NOT NULL,
		confidence          REAL NOT NULL,
		evidence            TEXT NOT NULL DEFAULT '[]',
		reasoning           TEXT NOT NULL DEFAULT '',
		created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (service_request_id, prompt_version, input_hash)
	);
	`
	_, err = db.Exec(schema)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// Migration: gap-fill counters were added after the first release.
	for _, col := range []string{"reviewed_count", "gap_requested_count", "gap_recovered_count", "gap_absent_count", "gap_failed_count"} {
		var colCount int
		_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('pipeline_runs') WHERE name = ?`, col).Scan(&colCount)
		if colCount == 0 {
			if _, err := db.Exec(`ALTER TABLE pipeline_runs ADD COLUMN ` + col + ` INTEGER`); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	}

	return db, nil
}
