package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"civicreg/internal/domain"
)

func (s *Store) CreateRun(ctx context.Context, from, to time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (status, started_at, fetch_window_start, fetch_window_end)
		 VALUES ('running', ?, ?, ?)`,
		ts(time.Now()), ts(from), ts(to),
	)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CompleteRunSuccess(ctx context.Context, runID int64, c domain.RunCounts) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = 'success', finished_at = ?,
		   fetched_count = ?, staged_count = ?, rejected_count = ?, inserted_count = ?, updated_count = ?,
		   reviewed_count = ?, gap_requested_count = ?, gap_recovered_count = ?, gap_absent_count = ?, gap_failed_count = ?
		 WHERE run_id = ? AND status = 'running'`,
		ts(time.Now()),
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
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = 'failed', finished_at = ?, fetched_count = ?, error_json = ?
		 WHERE run_id = ? AND status = 'running'`,
		ts(time.Now()), c.Fetched, string(payload), runID,
	)
	if err != nil {
		return fmt.Errorf("fail run %d: %w", runID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID int64) (domain.PipelineRun, error) {
	var (
		run      domain.PipelineRun
		status   string
		finished sql.NullTime
		counts   [10]sql.NullInt64
		errJSON  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, started_at, finished_at, fetch_window_start, fetch_window_end,
		        fetched_count, staged_count, rejected_count, inserted_count, updated_count,
		        reviewed_count, gap_requested_count, gap_recovered_count, gap_absent_count, gap_failed_count,
		        error_json
		 FROM pipeline_runs WHERE run_id = ?`,
		runID,
	).Scan(
		&run.ID, &status, &run.StartedAt, &finished, &run.WindowFrom, &run.WindowTo,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4],
		&counts[5], &counts[6], &counts[7], &counts[8], &counts[9],
		&errJSON,
	)
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	if finished.Valid {
		f := finished.Time
		run.FinishedAt = &f
	}
	run.Counts = domain.RunCounts{
		Fetched:  int(counts[0].Int64),
		Staged:   int(counts[1].Int64),
		Rejected: int(counts[2].Int64),
		Inserted: int(counts[3].Int64),
		Updated:  int(counts[4].Int64),
		Reviewed: int(counts[5].Int64),
		GapFill: domain.GapFillStats{
			Requested: int(counts[6].Int64),
			Recovered: int(counts[7].Int64),
			Absent:    int(counts[8].Int64),
			Failed:    int(counts[9].Int64),
		},
	}
	if errJSON.Valid {
		var payload map[string]string
		if json.Unmarshal([]byte(errJSON.String), &payload) == nil {
			run.Error = payload["error"]
		}
	}
	return run, nil
}
