package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/probe"
)

// CompleteExternal ingests the result an external worker reported for a task
// it polled off its queue. Workers run their own retry loop from the payload,
// so every reported result is a final attempt: it records the execution,
// updates entity bookkeeping, releases the slot, and notifies.
func (e *Executor) CompleteExternal(ctx context.Context, res model.WorkerResult) error {
	taskID, err := uuid.Parse(res.TaskID)
	if err != nil {
		return fmt.Errorf("bad task id %q: %w", res.TaskID, err)
	}

	switch res.TaskType {
	case model.TaskTypeCron:
		return e.completeExternalCron(ctx, taskID, res)
	case model.TaskTypeDelayed:
		return e.completeExternalDelayed(ctx, taskID, res)
	default:
		return fmt.Errorf("unsupported task type %q in worker result", res.TaskType)
	}
}

func (e *Executor) completeExternalCron(ctx context.Context, taskID uuid.UUID, res model.WorkerResult) error {
	t, err := e.store.GetCronTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cron task %s: %w", taskID, err)
	}

	e.recordExternalExecution(ctx, model.TaskTypeCron, taskID, t.WorkspaceID, res)

	if err := e.store.RecordCronTaskResult(ctx, t.ID, res.Success); err != nil {
		logging.L_error("executor: record cron result failed", "taskId", t.ID, "error", err)
	}
	e.release(ctx, model.TaskRef{Type: model.TaskTypeCron, ID: t.ID}, t.OverlapPolicy)
	e.notifyCron(ctx, t, externalProbeResult(res))
	return nil
}

func (e *Executor) completeExternalDelayed(ctx context.Context, taskID uuid.UUID, res model.WorkerResult) error {
	t, err := e.store.GetDelayedTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("delayed task %s: %w", taskID, err)
	}

	e.recordExternalExecution(ctx, model.TaskTypeDelayed, taskID, t.WorkspaceID, res)

	status := model.DelayedFailed
	if res.Success {
		status = model.DelayedSuccess
	}
	if err := e.store.FinishDelayedTask(ctx, t.ID, status); err != nil {
		logging.L_error("executor: finish delayed task failed", "taskId", t.ID, "error", err)
	}
	e.release(ctx, model.TaskRef{Type: model.TaskTypeDelayed, ID: t.ID}, t.OverlapPolicy)

	if res.Success && t.NotifyOnSuccess {
		e.notify(ctx, successEvent("delayed task", t.Name, t.WorkspaceID))
	}
	if !res.Success && t.NotifyOnFailure {
		e.notify(ctx, failureEvent("delayed task", t.Name, t.WorkspaceID, res.Error))
	}
	return nil
}

// recordExternalExecution writes the execution row for a worker-run attempt.
// The worker only reports a duration, so started_at is back-dated from now.
func (e *Executor) recordExternalExecution(ctx context.Context, taskType model.TaskType, taskID, workspaceID uuid.UUID, res model.WorkerResult) {
	finished := e.nowFn()
	started := finished.Add(-time.Duration(res.DurationMs) * time.Millisecond)
	exec := &model.Execution{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		TaskType:    taskType,
		TaskID:      taskID,
		Status:      model.ExecutionRunning,
		StartedAt:   started,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		logging.L_error("executor: create execution failed", "taskId", taskID, "error", err)
	}

	exec.Status = model.ExecutionFailed
	if res.Success {
		exec.Status = model.ExecutionSuccess
	}
	exec.FinishedAt = &finished
	exec.DurationMs = &res.DurationMs
	exec.StatusCode = res.StatusCode
	if res.ResponseBody != "" {
		body := res.ResponseBody
		exec.ResponseBody = &body
	}
	if !res.Success {
		kind := model.ErrKindRequestError
		msg := res.Error
		exec.ErrorKind = &kind
		exec.ErrorMessage = &msg
	}
	if err := e.store.FinishExecution(ctx, exec); err != nil {
		logging.L_error("executor: finish execution failed", "execution", exec.ID, "error", err)
	}
	e.countExecution(taskType, exec.Status)
}

// externalProbeResult adapts a worker result to the shape notifyCron reads.
func externalProbeResult(res model.WorkerResult) *probe.Result {
	out := &probe.Result{
		Success:  res.Success,
		Duration: time.Duration(res.DurationMs) * time.Millisecond,
	}
	if !res.Success {
		out.ErrorKind = model.ErrKindRequestError
		out.ErrorMessage = res.Error
	}
	return out
}
