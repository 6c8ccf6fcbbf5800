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

const chainCols = `id, workspace_id, name, trigger_type, cron_expression, execute_at,
	timezone, stop_on_failure, overlap_policy, max_instances, max_queue_size,
	execution_timeout_seconds, running_instances, notify_on_failure,
	notify_on_success, notify_on_partial, is_active, is_paused, last_run_at,
	next_run_at, last_status, created_at, updated_at`

const chainStepCols = `id, chain_id, step_order, name, method, url, headers, body,
	timeout_seconds, retry_count, retry_delay_seconds, extract_variables,
	condition, continue_on_failure, is_enabled, created_at, updated_at`

// GetChain fetches one chain.
func (s *Store) GetChain(ctx context.Context, id uuid.UUID) (*model.TaskChain, error) {
	var c model.TaskChain
	err := s.db.GetContext(ctx, &c,
		`SELECT `+chainCols+` FROM task_chains WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get chain")
	}
	return &c, nil
}

// GetChainSteps returns a chain's steps ordered by step_order.
func (s *Store) GetChainSteps(ctx context.Context, chainID uuid.UUID) ([]model.ChainStep, error) {
	var steps []model.ChainStep
	err := s.db.SelectContext(ctx, &steps, `
		SELECT `+chainStepCols+` FROM chain_steps
		WHERE chain_id = $1
		ORDER BY step_order ASC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("get chain steps: %w", err)
	}
	return steps, nil
}

// ClaimDueChain locks one due chain with FOR UPDATE SKIP LOCKED and runs
// decide under the lock. Only cron and delayed triggers become due; manual
// chains have no next_run_at.
func (s *Store) ClaimDueChain(ctx context.Context, now time.Time, decide func(tx *sqlx.Tx, chain *model.TaskChain) error) (bool, error) {
	claimed := false
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var c model.TaskChain
		err := tx.GetContext(ctx, &c, `
			SELECT `+chainCols+` FROM task_chains
			WHERE is_active AND NOT is_paused
			  AND next_run_at IS NOT NULL AND next_run_at <= $1
			ORDER BY next_run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim chain: %w", err)
		}
		claimed = true
		return decide(tx, &c)
	})
	return claimed, err
}

// AdvanceChain stores the chain's new next_run_at (nil for one-shot triggers,
// which never refire) and stamps last_run_at. Runs on the claim transaction.
func (s *Store) AdvanceChain(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, next *time.Time, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE task_chains
		SET next_run_at = $2, last_run_at = $3, updated_at = $3
		WHERE id = $1`, id, next, now)
	if err != nil {
		return fmt.Errorf("advance chain: %w", err)
	}
	return nil
}

// RecordChainResult stores the final status of a chain run.
func (s *Store) RecordChainResult(ctx context.Context, id uuid.UUID, status model.ChainStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_chains SET last_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("record chain result: %w", err)
	}
	return nil
}

// SetChainNextRun sets next_run_at outside the claim path. Used by the
// recompute loop for cron chains whose next_run_at is null.
func (s *Store) SetChainNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_chains SET next_run_at = $2, updated_at = NOW() WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("set chain next run: %w", err)
	}
	return nil
}

// ChainsMissingNextRun lists active scheduled chains without a next_run_at.
func (s *Store) ChainsMissingNextRun(ctx context.Context, limit int) ([]model.TaskChain, error) {
	var chains []model.TaskChain
	err := s.db.SelectContext(ctx, &chains, `
		SELECT `+chainCols+` FROM task_chains
		WHERE is_active AND NOT is_paused AND next_run_at IS NULL
		  AND trigger_type = $1
		LIMIT $2`, model.TriggerCron, limit)
	if err != nil {
		return nil, fmt.Errorf("list chains missing next run: %w", err)
	}
	return chains, nil
}
