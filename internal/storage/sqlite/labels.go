package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"civicreg/internal/domain"
	"civicreg/internal/storage"
)

func (s *Store) CreateLabelRun(ctx context.Context, run domain.LabelRun) (int64, error) {
	var limit any
	if run.RequestedLimit > 0 {
		limit = run.RequestedLimit
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO labeling_runs (phase, model, prompt_version, dry_run, requested_limit, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(run.Phase), run.Model, run.PromptVersion, run.DryRun, limit, ts(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("create label run: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) SetLabelRunSelected(ctx context.Context, labelRunID int64, selected int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE labeling_runs SET selected_count = ? WHERE label_run_id = ?`, selected, labelRunID)
	return err
}

func (s *Store) CompleteLabelRunSuccess(ctx context.Context, labelRunID int64, r domain.LabelRunResult) error {
	var minAt, maxAt any
	if r.MinRequestedAt != nil {
		minAt = ts(*r.MinRequestedAt)
	}
	if r.MaxRequestedAt != nil {
		maxAt = ts(*r.MaxRequestedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE labeling_runs SET status = 'success', finished_at = ?,
		   attempted_count = ?, inserted_count = ?, skipped_count = ?, failed_count = ?,
		   first_labeled_service_request_id = ?, last_labeled_service_request_id = ?,
		   min_labeled_requested_at = ?, max_labeled_requested_at = ?
		 WHERE label_run_id = ?`,
		ts(time.Now()), r.Attempted, r.Inserted, r.Skipped, r.Failed,
		nullString(r.FirstLabeledID), nullString(r.LastLabeledID), minAt, maxAt,
		labelRunID,
	)
	return err
}

func (s *Store) CompleteLabelRunFailed(ctx context.Context, labelRunID int64, attempted int, runErr error) error {
	payload, _ := json.Marshal(map[string]string{"error": runErr.Error()})
	_, err := s.db.ExecContext(ctx,
		`UPDATE labeling_runs SET status = 'failed', finished_at = ?, attempted_count = ?, error_json = ?
		 WHERE label_run_id = ?`,
		ts(time.Now()), attempted, string(payload), labelRunID,
	)
	return err
}

func (s *Store) Phase1Candidates(ctx context.Context, limit int) ([]domain.LabelCandidate, error) {
	query, args, err := storage.Phase1Candidates(sq.Question, limit)
	if err != nil {
		return nil, err
	}
	return s.queryCandidates(ctx, query, args)
}

func (s *Store) Phase2Candidates(ctx context.Context) ([]domain.LabelCandidate, error) {
	query, args, err := storage.Phase2Candidates(sq.Question)
	if err != nil {
		return nil, err
	}
	return s.queryCandidates(ctx, query, args)
}

func (s *Store) Phase2LabeledHashes(ctx context.Context, promptVersion string) (map[string]struct{}, error) {
	query, args, err := storage.Phase2LabeledHashes(sq.Question, promptVersion)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var srid, hash string
		if err := rows.Scan(&srid, &hash); err != nil {
			return nil, err
		}
		out[storage.LabelKey(srid, hash)] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) queryCandidates(ctx context.Context, query string, args []any) ([]domain.LabelCandidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query label candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.LabelCandidate
	for rows.Next() {
		var c domain.LabelCandidate
		var title, redacted sql.NullString
		if err := rows.Scan(&c.ServiceRequestID, &title, &redacted, &c.RequestedAt, &c.Year, &c.SequenceNumber); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.DescriptionRedacted = redacted.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertPhase1Label reports false when the label already exists.
func (s *Store) InsertPhase1Label(ctx context.Context, l domain.Phase1Label) (bool, error) {
	evidence, err := json.Marshal(nonNil(l.Evidence))
	if err != nil {
		return false, err
	}
	var bikeRelated any
	if l.BikeRelated != nil {
		bikeRelated = *l.BikeRelated
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_phase1_labels (service_request_id, model, prompt_version, input_hash,
		   bike_related, confidence, evidence, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_request_id, prompt_version, input_hash) DO NOTHING`,
		l.ServiceRequestID, l.Model, l.PromptVersion, l.InputHash,
		bikeRelated, l.Confidence, string(evidence), l.Reasoning, ts(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert phase1 label %s: %w", l.ServiceRequestID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) InsertPhase2Label(ctx context.Context, l domain.Phase2Label) (bool, error) {
	evidence, err := json.Marshal(nonNil(l.Evidence))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_phase2_labels (service_request_id, model, prompt_version, input_hash,
		   bike_issue_category, confidence, evidence, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_request_id, prompt_version, input_hash) DO NOTHING`,
		l.ServiceRequestID, l.Model, l.PromptVersion, l.InputHash,
		l.BikeIssueCategory, l.Confidence, string(evidence), l.Reasoning, ts(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert phase2 label %s: %w", l.ServiceRequestID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
