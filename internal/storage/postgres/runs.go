package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"civicreg/internal/domain"
)

func (s *Store) CreateRun(ctx context.Context, from, to time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_runs (status, started_at, fetch_window_start, fetch_window_end)
		 VALUES ('running', now(), $1, $2) RETURNING run_id`,
		from.UTC(), to.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

func (s *Store) CompleteRunSuccess(ctx context.Context, runID int64, c domain.RunCounts) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = 'success', finished_at = now(),
		   fetched_count = $1, staged_count = $2, rejected_count = $3, inserted_count = $4, updated_count = $5,
		   reviewed_count = $6, gap_requested_count = $7, gap_recovered_count = $8, gap_absent_count = $9, gap_failed_count = $10
		 WHERE run_id = $11 AND status = 'running'`,
		c.Fetched, c.Staged, c.Rejected, c.Inserted, c.Updated,
		c.Reviewed, c.GapFill.Requested, c.GapFill.Recovered, c.GapFill.Absent, c.GapFill.Failed,
		runID,
	)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", runID, err)
	}
	return nil
}

func (s *Store) CompleteRunFailed(ctx context.Context, runID int64, c domain.RunCounts, runErr error) error {
	payload, _ := json.Marshal(map[string]string{"error": runErr.Error()})
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = 'failed', finished_at = now(), fetched_count = $1, error_json = $2
		 WHERE run_id = $3 AND status = 'running'`,
		c.Fetched, string(payload), runID,
	)
	if err != nil {
		return fmt.Errorf("fail run %d: %w", runID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID int64) (domain.PipelineRun, error) {
	var (
		run     domain.PipelineRun
		status  string
		counts  [10]*int
		errJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, status, started_at, finished_at, fetch_window_start, fetch_window_end,
		        fetched_count, staged_count, rejected_count, inserted_count, updated_count,
		        reviewed_count, gap_requested_count, gap_recovered_count, gap_absent_count, gap_failed_count,
		        error_json
		 FROM pipeline_runs WHERE run_id = $1`,
		runID,
	).Scan(
		&run.ID, &status, &run.StartedAt, &run.FinishedAt, &run.WindowFrom, &run.WindowTo,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4],
		&counts[5], &counts[6], &counts[7], &counts[8], &counts[9],
		&errJSON,
	)
	if err != nil {
		return run, err
	}
	n := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	run.Status = domain.RunStatus(status)
	run.Counts = domain.RunCounts{
		Fetched:  n(counts[0]),
		Staged:   n(counts[1]),
		Rejected: n(counts[2]),
		Inserted: n(counts[3]),
		Updated:  n(counts[4]),
		Reviewed: n(counts[5]),
		GapFill: domain.GapFillStats{
			Requested: n(counts[6]),
			Recovered: n(counts[7]),
			Absent:    n(counts[8]),
			Failed:    n(counts[9]),
		},
	}
	if len(errJSON) > 0 {
		var payload map[string]string
		if json.Unmarshal(errJSON, &payload) == nil {
			run.Error = payload["error"]
		}
	}
	return run, nil
}
