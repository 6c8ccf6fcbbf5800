package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/model"
)

// CreateExecution inserts the running row for an attempt. Called before the
// probe starts so no attempt goes unrecorded.
func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workspace_id, task_type, task_id, retry_attempt, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkspaceID, e.TaskType, e.TaskID, e.RetryAttempt, e.Status, e.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// FinishExecution completes an attempt with its result and any
// protocol-specific fields.
func (s *Store) FinishExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, finished_at = $3, duration_ms = $4,
		    status_code = $5, response_headers = $6, response_body = $7, response_size = $8,
		    packets_sent = $9, packets_received = $10, packet_loss_pct = $11,
		    min_rtt_ms = $12, avg_rtt_ms = $13, max_rtt_ms = $14,
		    connect_time_ms = $15, error_kind = $16, error_message = $17
		WHERE id = $1`,
		e.ID, e.Status, e.FinishedAt, e.DurationMs,
		e.StatusCode, e.ResponseHeaders, e.ResponseBody, e.ResponseSize,
		e.PacketsSent, e.PacketsReceived, e.PacketLossPct,
		e.MinRTTMs, e.AvgRTTMs, e.MaxRTTMs,
		e.ConnectTimeMs, e.ErrorKind, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// CreateChainExecution inserts the running row for a chain run.
func (s *Store) CreateChainExecution(ctx context.Context, e *model.ChainExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_executions (id, workspace_id, chain_id, status, trigger_type, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.WorkspaceID, e.ChainID, e.Status, e.TriggerType, e.StartedAt)
	if err != nil {
		return fmt.Errorf("create chain execution: %w", err)
	}
	return nil
}

// FinishChainExecution completes a chain run with its final status and step
// counters.
func (s *Store) FinishChainExecution(ctx context.Context, e *model.ChainExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chain_executions
		SET status = $2, finished_at = $3, duration_ms = $4,
		    completed_steps = $5, failed_steps = $6, skipped_steps = $7,
		    error_message = $8
		WHERE id = $1`,
		e.ID, e.Status, e.FinishedAt, e.DurationMs,
		e.CompletedSteps, e.FailedSteps, e.SkippedSteps, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish chain execution: %w", err)
	}
	return nil
}

// CreateStepExecution records one completed step, including skipped ones.
func (s *Store) CreateStepExecution(ctx context.Context, e *model.StepExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (id, chain_execution_id, step_id, step_order, status,
			request_url, request_method, status_code, response_body,
			extracted_variables, condition_details, retry_attempts,
			started_at, finished_at, duration_ms, error_kind, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.ChainExecutionID, e.StepID, e.StepOrder, e.Status,
		e.RequestURL, e.RequestMethod, e.StatusCode, e.ResponseBody,
		e.ExtractedVariables, e.ConditionDetails, e.RetryAttempts,
		e.StartedAt, e.FinishedAt, e.DurationMs, e.ErrorKind, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create step execution: %w", err)
	}
	return nil
}

// DeleteExpiredExecutions removes execution rows older than the cutoff for a
// workspace, in bounded batches. Returns the number deleted so the GC loop
// can keep going while batches stay full.
func (s *Store) DeleteExpiredExecutions(ctx context.Context, workspaceID uuid.UUID, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE id IN (
			SELECT id FROM executions
			WHERE workspace_id = $1 AND started_at < $2
			ORDER BY started_at ASC
			LIMIT $3
		)`, workspaceID, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredChainExecutions removes chain execution rows older than the
// cutoff; step executions cascade.
func (s *Store) DeleteExpiredChainExecutions(ctx context.Context, workspaceID uuid.UUID, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chain_executions
		WHERE id IN (
			SELECT id FROM chain_executions
			WHERE workspace_id = $1 AND started_at < $2
			ORDER BY started_at ASC
			LIMIT $3
		)`, workspaceID, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired chain executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
