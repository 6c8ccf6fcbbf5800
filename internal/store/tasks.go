package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cronboxhq/cronbox/internal/model"
)

const cronTaskCols = `id, workspace_id, name, protocol, url, method, headers, body,
	host, icmp_count, port, cron_expression, timezone, timeout_seconds,
	retry_count, retry_delay_seconds, overlap_policy, max_instances,
	max_queue_size, execution_timeout_seconds, running_instances, worker_id,
	is_active, is_paused, last_run_at, next_run_at, last_status,
	consecutive_failures, total_runs, total_failures, notify_on_failure,
	notify_on_success, notify_on_recovery, created_at, updated_at`

// GetCronTask fetches one cron task.
func (s *Store) GetCronTask(ctx context.Context, id uuid.UUID) (*model.CronTask, error) {
	var t model.CronTask
	err := s.db.GetContext(ctx, &t,
		`SELECT `+cronTaskCols+` FROM cron_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get cron task")
	}
	return &t, nil
}

// ClaimDueCronTask locks one due cron task with FOR UPDATE SKIP LOCKED and
// runs decide while the lock is held; everything decide does through the
// transaction commits atomically with the claim. Returns false when nothing
// was due.
func (s *Store) ClaimDueCronTask(ctx context.Context, now time.Time, decide func(tx *sqlx.Tx, task *model.CronTask) error) (bool, error) {
	claimed := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var t model.CronTask
		err := tx.GetContext(ctx, &t, `
			SELECT `+cronTaskCols+` FROM cron_tasks
			WHERE is_active AND NOT is_paused
			  AND next_run_at IS NOT NULL AND next_run_at <= $1
			ORDER BY next_run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim cron task: %w", err)
		}
		claimed = true
		return decide(tx, &t)
	})
	return claimed, err
}

// AdvanceCronTask moves next_run_at forward and stamps last_run_at. Called on
// the claim transaction: storing the new next_run_at is what prevents peers
// from re-selecting the row once the lock releases.
func (s *Store) AdvanceCronTask(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, next time.Time, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE cron_tasks
		SET next_run_at = $2, last_run_at = $3, updated_at = $3
		WHERE id = $1`, id, next, now)
	if err != nil {
		return fmt.Errorf("advance cron task: %w", err)
	}
	return nil
}

// RecordCronTaskResult records the final outcome of a run: last_status plus
// counters. consecutive_failures only moves on final attempts, so a task that
// fails twice and then succeeds within one run ends at zero.
func (s *Store) RecordCronTaskResult(ctx context.Context, id uuid.UUID, success bool) error {
	status := string(model.ExecutionFailed)
	if success {
		status = string(model.ExecutionSuccess)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_tasks
		SET last_status = $2,
		    consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures + 1 END,
		    total_runs = total_runs + 1,
		    total_failures = total_failures + CASE WHEN $3 THEN 0 ELSE 1 END,
		    updated_at = NOW()
		WHERE id = $1`, id, status, success)
	if err != nil {
		return fmt.Errorf("record cron task result: %w", err)
	}
	return nil
}

// ClearCronTaskNextRun nulls next_run_at on the claim transaction so a task
// with an unparseable schedule stops matching the due predicate instead of
// being re-claimed every cycle.
func (s *Store) ClearCronTaskNextRun(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		UPDATE cron_tasks SET next_run_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear cron task next run: %w", err)
	}
	return nil
}

// SetCronTaskNextRun sets next_run_at outside the claim path. Used by the
// recompute loop for rows whose next_run_at is null.
func (s *Store) SetCronTaskNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_tasks SET next_run_at = $2, updated_at = NOW() WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("set cron task next run: %w", err)
	}
	return nil
}

// CronTasksMissingNextRun lists active unpaused tasks with a null
// next_run_at, typically fresh rows or rows whose schedule failed to parse
// earlier.
func (s *Store) CronTasksMissingNextRun(ctx context.Context, limit int) ([]model.CronTask, error) {
	var tasks []model.CronTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT `+cronTaskCols+` FROM cron_tasks
		WHERE is_active AND NOT is_paused AND next_run_at IS NULL
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron tasks missing next run: %w", err)
	}
	return tasks, nil
}
