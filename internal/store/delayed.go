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

const delayedTaskCols = `id, workspace_id, name, protocol, url, method, headers, body,
	host, icmp_count, port, execute_at, status, idempotency_key,
	timeout_seconds, retry_count, retry_delay_seconds, retry_attempt,
	overlap_policy, max_instances, max_queue_size, execution_timeout_seconds,
	running_instances, worker_id, last_run_at, notify_on_failure,
	notify_on_success, created_at, updated_at`

// GetDelayedTask fetches one delayed task.
func (s *Store) GetDelayedTask(ctx context.Context, id uuid.UUID) (*model.DelayedTask, error) {
	var t model.DelayedTask
	err := s.db.GetContext(ctx, &t,
		`SELECT `+delayedTaskCols+` FROM delayed_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get delayed task")
	}
	return &t, nil
}

// ClaimDueDelayedTask locks one pending task whose execute_at has passed and
// transitions it to running before calling decide. The status transition is
// the delayed-task equivalent of advancing next_run_at: it prevents peers
// from re-claiming the row.
func (s *Store) ClaimDueDelayedTask(ctx context.Context, now time.Time, decide func(tx *sqlx.Tx, task *model.DelayedTask) error) (bool, error) {
	claimed := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var t model.DelayedTask
		err := tx.GetContext(ctx, &t, `
			SELECT `+delayedTaskCols+` FROM delayed_tasks
			WHERE status = $1 AND execute_at <= $2
			ORDER BY execute_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, model.DelayedPending, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim delayed task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE delayed_tasks
			SET status = $2, last_run_at = $3, updated_at = $3
			WHERE id = $1`, t.ID, model.DelayedRunning, now); err != nil {
			return fmt.Errorf("mark delayed task running: %w", err)
		}
		t.Status = model.DelayedRunning
		claimed = true
		return decide(tx, &t)
	})
	return claimed, err
}

// FinishDelayedTask records a terminal status (success, failed, cancelled).
func (s *Store) FinishDelayedTask(ctx context.Context, id uuid.UUID, status model.DelayedStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delayed_tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("finish delayed task: %w", err)
	}
	return nil
}

// RetryDelayedTask returns a failed attempt to pending with execute_at pushed
// out by the retry delay; the DelayedPoll loop picks it up again when due.
func (s *Store) RetryDelayedTask(ctx context.Context, id uuid.UUID, executeAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delayed_tasks
		SET status = $2, retry_attempt = retry_attempt + 1, execute_at = $3, updated_at = NOW()
		WHERE id = $1`, id, model.DelayedPending, executeAt)
	if err != nil {
		return fmt.Errorf("retry delayed task: %w", err)
	}
	return nil
}

// CancelDelayedTaskTx marks a claimed task cancelled, used when the overlap
// policy skips its only firing.
func (s *Store) CancelDelayedTaskTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE delayed_tasks SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, model.DelayedCancelled)
	if err != nil {
		return fmt.Errorf("cancel delayed task: %w", err)
	}
	return nil
}
