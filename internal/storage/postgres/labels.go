package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"civicreg/internal/domain"
	"civicreg/internal/storage"
)

func (s *Store) CreateLabelRun(ctx context.Context, run domain.LabelRun) (int64, error) {
	var limit *int
	if run.RequestedLimit > 0 {
		limit = &run.RequestedLimit
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO labeling_runs (phase, model, prompt_version, dry_run, requested_limit, started_at)
		 VALUES ($1, $2, $3, $4, $5, now()) RETURNING label_run_id`,
		string(run.Phase), run.Model, run.PromptVersion, run.DryRun, limit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create label run: %w", err)
	}
	return id, nil
}

func (s *Store) SetLabelRunSelected(ctx context.Context, labelRunID int64, selected int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE labeling_runs SET selected_count = $1 WHERE label_run_id = $2`, selected, labelRunID)
	return err
}

func (s *Store) CompleteLabelRunSuccess(ctx context.Context, labelRunID int64, r domain.LabelRunResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE labeling_runs SET status = 'success', finished_at = now(),
		   attempted_count = $1, inserted_count = $2, skipped_count = $3, failed_count = $4,
		   first_labeled_service_request_id = $5, last_labeled_service_request_id = $6,
		   min_labeled_requested_at = $7, max_labeled_requested_at = $8
		 WHERE label_run_id = $9`,
		r.Attempted, r.Inserted, r.Skipped, r.Failed,
		nullString(r.FirstLabeledID), nullString(r.LastLabeledID), r.MinRequestedAt, r.MaxRequestedAt,
		labelRunID,
	)
	return err
}

func (s *Store) CompleteLabelRunFailed(ctx context.Context, labelRunID int64, attempted int, runErr error) error {
	payload, _ := json.Marshal(map[string]string{"error": runErr.Error()})
	_, err := s.pool.Exec(ctx,
		`UPDATE labeling_runs SET status = 'failed', finished_at = now(), attempted_count = $1, error_json = $2
		 WHERE label_run_id = $3`,
		attempted, string(payload), labelRunID,
	)
	return err
}

func (s *Store) Phase1Candidates(ctx context.Context, limit int) ([]domain.LabelCandidate, error) {
	query, args, err := storage.Phase1Candidates(sq.Dollar, limit)
	if err != nil {
		return nil, err
	}
	return s.queryCandidates(ctx, query, args)
}

func (s *Store) Phase2Candidates(ctx context.Context) ([]domain.LabelCandidate, error) {
	query, args, err := storage.Phase2Candidates(sq.Dollar)
	if err != nil {
		return nil, err
	}
	return s.queryCandidates(ctx, query, args)
}

func (s *Store) Phase2LabeledHashes(ctx context.Context, promptVersion string) (map[string]struct{}, error) {
	query, args, err := storage.Phase2LabeledHashes(sq.Dollar, promptVersion)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query label candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.LabelCandidate
	for rows.Next() {
		var c domain.LabelCandidate
		var title, redacted *string
		if err := rows.Scan(&c.ServiceRequestID, &title, &redacted, &c.RequestedAt, &c.Year, &c.SequenceNumber); err != nil {
			return nil, err
		}
		if title != nil {
			c.Title = *title
		}
		if redacted != nil {
			c.DescriptionRedacted = *redacted
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertPhase1Label(ctx context.Context, l domain.Phase1Label) (bool, error) {
	evidence, err := json.Marshal(nonNil(l.Evidence))
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO event_phase1_labels (service_request_id, model, prompt_version, input_hash,
		   bike_related, confidence, evidence, reasoning)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (service_request_id, prompt_version, input_hash) DO NOTHING`,
		l.ServiceRequestID, l.Model, l.PromptVersion, l.InputHash,
		l.BikeRelated, l.Confidence, string(evidence), l.Reasoning,
	)
	if err != nil {
		return false, fmt.Errorf("insert phase1 label %s: %w", l.ServiceRequestID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) InsertPhase2Label(ctx context.Context, l domain.Phase2Label) (bool, error) {
	evidence, err := json.Marshal(nonNil(l.Evidence))
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO event_phase2_labels (service_request_id, model, prompt_version, input_hash,
		   bike_issue_category, confidence, evidence, reasoning)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (service_request_id, prompt_version, input_hash) DO NOTHING`,
		l.ServiceRequestID, l.Model, l.PromptVersion, l.InputHash,
		l.BikeIssueCategory, l.Confidence, string(evidence), l.Reasoning,
	)
	if err != nil {
		return false, fmt.Errorf("insert phase2 label %s: %w", l.ServiceRequestID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
