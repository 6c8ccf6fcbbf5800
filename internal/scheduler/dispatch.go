package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cronboxhq/cronbox/internal/executor"
	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/schedule"
)

// cronPass claims due cron tasks one locked row at a time, up to the batch
// cap. For each row the new next_run_at is stored, the overlap policy is
// applied, and the task is handed to its dispatch target, all before the
// claim commits. A dispatch error rolls the whole claim back so the row comes
// due again on the next tick.
func (s *Scheduler) cronPass(ctx context.Context, now time.Time) error {
	for i := 0; i < s.cfg.BatchLimitTasks; i++ {
		claimed, err := s.store.ClaimDueCronTask(ctx, now, func(tx *sqlx.Tx, t *model.CronTask) error {
			return s.decideCron(ctx, tx, t, now)
		})
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) decideCron(ctx context.Context, tx *sqlx.Tx, t *model.CronTask, now time.Time) error {
	next, err := schedule.NextCron(t.CronExpression, t.Timezone, now)
	if err != nil {
		// Park the row so it stops matching the due predicate; the recompute
		// loop keeps retrying the expression in case the timezone database or
		// the row gets fixed.
		logging.L_error("scheduler: cron task has unschedulable expression, parking",
			"task", t.ID, "name", t.Name, "error", err)
		return s.store.ClearCronTaskNextRun(ctx, tx, t.ID)
	}
	if err := s.store.AdvanceCronTask(ctx, tx, t.ID, next, now); err != nil {
		return err
	}

	ref := model.TaskRef{Type: model.TaskTypeCron, ID: t.ID}
	entry := &model.OverlapQueueEntry{
		ID:          uuid.New(),
		WorkspaceID: t.WorkspaceID,
		TaskType:    model.TaskTypeCron,
		TaskID:      t.ID,
		EnqueuedAt:  now,
	}
	dec, err := s.overlap.Admit(ctx, tx, ref, t.OverlapPolicy, t.MaxQueueSize, entry)
	if err != nil {
		return err
	}
	if dec.Outcome != overlap.OutcomeProceed {
		// Skipped or queued ticks are done: next_run_at already advanced.
		return nil
	}
	return s.dispatchCron(ctx, t, 0)
}

// delayedPass claims due delayed tasks. The claim itself moves the row to
// running, so an admission refusal must resolve the row: a skipped or
// queue-full one-shot is cancelled, it has no later tick to fall back on.
func (s *Scheduler) delayedPass(ctx context.Context, now time.Time) error {
	for i := 0; i < s.cfg.BatchLimitTasks; i++ {
		claimed, err := s.store.ClaimDueDelayedTask(ctx, now, func(tx *sqlx.Tx, t *model.DelayedTask) error {
			return s.decideDelayed(ctx, tx, t, now)
		})
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) decideDelayed(ctx context.Context, tx *sqlx.Tx, t *model.DelayedTask, now time.Time) error {
	ref := model.TaskRef{Type: model.TaskTypeDelayed, ID: t.ID}
	entry := &model.OverlapQueueEntry{
		ID:           uuid.New(),
		WorkspaceID:  t.WorkspaceID,
		TaskType:     model.TaskTypeDelayed,
		TaskID:       t.ID,
		EnqueuedAt:   now,
		RetryAttempt: t.RetryAttempt,
	}
	dec, err := s.overlap.Admit(ctx, tx, ref, t.OverlapPolicy, t.MaxQueueSize, entry)
	if err != nil {
		return err
	}
	switch dec.Outcome {
	case overlap.OutcomeProceed:
		return s.dispatchDelayed(ctx, t)
	case overlap.OutcomeSkip, overlap.OutcomeQueueFull:
		logging.L_warn("scheduler: delayed task refused by overlap policy, cancelling",
			"task", t.ID, "name", t.Name, "outcome", dec.Outcome)
		return s.store.CancelDelayedTaskTx(ctx, tx, t.ID)
	}
	// Queued: the entry fires when a slot frees up; the row stays running.
	return nil
}

// chainPass claims due chains. Chains always run on the local pool.
func (s *Scheduler) chainPass(ctx context.Context, now time.Time) error {
	for i := 0; i < s.cfg.BatchLimitChains; i++ {
		claimed, err := s.store.ClaimDueChain(ctx, now, func(tx *sqlx.Tx, c *model.TaskChain) error {
			return s.decideChain(ctx, tx, c, now)
		})
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) decideChain(ctx context.Context, tx *sqlx.Tx, c *model.TaskChain, now time.Time) error {
	var next *time.Time
	if c.TriggerType == model.TriggerCron {
		n, err := schedule.NextCron(derefString(c.CronExpression), c.Timezone, now)
		if err != nil {
			logging.L_error("scheduler: chain has unschedulable expression, parking",
				"chain", c.ID, "name", c.Name, "error", err)
			return s.store.AdvanceChain(ctx, tx, c.ID, nil, now)
		}
		next = &n
	}
	// Delayed triggers are one-shot: next stays nil and the chain never
	// refires.
	if err := s.store.AdvanceChain(ctx, tx, c.ID, next, now); err != nil {
		return err
	}

	ref := model.TaskRef{Type: model.TaskTypeChain, ID: c.ID}
	entry := &model.OverlapQueueEntry{
		ID:          uuid.New(),
		WorkspaceID: c.WorkspaceID,
		TaskType:    model.TaskTypeChain,
		TaskID:      c.ID,
		EnqueuedAt:  now,
	}
	dec, err := s.overlap.Admit(ctx, tx, ref, c.OverlapPolicy, c.MaxQueueSize, entry)
	if err != nil {
		return err
	}
	if dec.Outcome != overlap.OutcomeProceed {
		return nil
	}
	return s.exec.Submit(executor.Job{
		Type:        model.TaskTypeChain,
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
	})
}

// dispatchCron routes a cron task holding a slot: http tasks with a worker_id
// go to that worker's Redis queue, everything else runs on the local pool.
func (s *Scheduler) dispatchCron(ctx context.Context, t *model.CronTask, attempt int) error {
	if workerBound(t.WorkerID, t.Protocol) {
		info := model.WorkerTaskInfo{
			TaskID:            t.ID.String(),
			TaskType:          model.TaskTypeCron,
			URL:               derefString(t.URL),
			Method:            methodOrGet(t.Method),
			Headers:           t.Headers,
			Body:              derefString(t.Body),
			TimeoutSeconds:    t.TimeoutSeconds,
			RetryCount:        t.RetryCount,
			RetryDelaySeconds: t.RetryDelaySeconds,
			WorkspaceID:       t.WorkspaceID.String(),
			TaskName:          t.Name,
		}
		return s.queues.PushWorkerTask(ctx, *t.WorkerID, info)
	}
	return s.exec.Submit(executor.Job{
		Type:         model.TaskTypeCron,
		ID:           t.ID,
		WorkspaceID:  t.WorkspaceID,
		RetryAttempt: attempt,
	})
}

func (s *Scheduler) dispatchDelayed(ctx context.Context, t *model.DelayedTask) error {
	if workerBound(t.WorkerID, t.Protocol) {
		info := model.WorkerTaskInfo{
			TaskID:            t.ID.String(),
			TaskType:          model.TaskTypeDelayed,
			URL:               derefString(t.URL),
			Method:            methodOrGet(t.Method),
			Headers:           t.Headers,
			Body:              derefString(t.Body),
			TimeoutSeconds:    t.TimeoutSeconds,
			RetryCount:        t.RetryCount,
			RetryDelaySeconds: t.RetryDelaySeconds,
			WorkspaceID:       t.WorkspaceID.String(),
			TaskName:          t.Name,
		}
		return s.queues.PushWorkerTask(ctx, *t.WorkerID, info)
	}
	return s.exec.Submit(executor.Job{
		Type:         model.TaskTypeDelayed,
		ID:           t.ID,
		WorkspaceID:  t.WorkspaceID,
		RetryAttempt: t.RetryAttempt,
	})
}

// workerBound reports whether the task goes to an external worker. Only http
// tasks are ever dispatched externally.
func workerBound(workerID *string, protocol model.Protocol) bool {
	return workerID != nil && *workerID != "" && protocol == model.ProtocolHTTP
}

func methodOrGet(m *string) string {
	if m == nil || *m == "" {
		return "GET"
	}
	return *m
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
