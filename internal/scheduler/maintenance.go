package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/executor"
	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/queue"
	"github.com/cronboxhq/cronbox/internal/schedule"
	"github.com/cronboxhq/cronbox/internal/store"
)

// gcBatch bounds one retention delete so the loop never holds a long
// transaction against a busy executions table.
const gcBatch = 500

// queueDrainPass moves deferred work back into circulation: due retry jobs
// from Redis are re-admitted through the overlap policy, then overlap queue
// entries whose release-time handoff was lost (executor crash, full pool) are
// drained into free slots.
func (s *Scheduler) queueDrainPass(ctx context.Context, now time.Time) error {
	jobs, err := s.queues.PopDueRetries(ctx, now, s.cfg.BatchLimitTasks)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.admitRetry(ctx, job, now); err != nil {
			logging.L_error("scheduler: retry re-admission failed, attempt dropped",
				"taskType", job.TaskType, "taskId", job.TaskID, "attempt", job.RetryAttempt, "error", err)
		}
	}

	refs, err := s.store.QueuedTaskRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		s.drainRef(ctx, ref)
	}
	return nil
}

// admitRetry puts a popped retry job back through the overlap policy. Retry
// jobs do not hold a slot while parked, so admission starts from scratch; a
// refusal drops the attempt.
func (s *Scheduler) admitRetry(ctx context.Context, job queue.RetryJob, now time.Time) error {
	ref := model.TaskRef{Type: job.TaskType, ID: job.TaskID}

	var policy model.OverlapPolicy
	var maxQueue int
	var dispatch func(context.Context) error

	switch job.TaskType {
	case model.TaskTypeCron:
		t, err := s.store.GetCronTask(ctx, job.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			logging.L_debug("scheduler: retry for deleted cron task dropped", "taskId", job.TaskID)
			return nil
		}
		if err != nil {
			return err
		}
		if !t.IsActive || t.IsPaused {
			logging.L_debug("scheduler: retry for inactive cron task dropped", "taskId", job.TaskID)
			return nil
		}
		policy, maxQueue = t.OverlapPolicy, t.MaxQueueSize
		dispatch = func(ctx context.Context) error { return s.dispatchCron(ctx, t, job.RetryAttempt) }

	case model.TaskTypeDelayed:
		t, err := s.store.GetDelayedTask(ctx, job.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			logging.L_debug("scheduler: retry for deleted delayed task dropped", "taskId", job.TaskID)
			return nil
		}
		if err != nil {
			return err
		}
		if t.Status != model.DelayedRunning {
			logging.L_debug("scheduler: retry for settled delayed task dropped", "taskId", job.TaskID, "status", t.Status)
			return nil
		}
		policy, maxQueue = t.OverlapPolicy, t.MaxQueueSize
		dispatch = func(ctx context.Context) error { return s.dispatchDelayed(ctx, t) }

	case model.TaskTypeChain:
		c, err := s.store.GetChain(ctx, job.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			logging.L_debug("scheduler: retry for deleted chain dropped", "taskId", job.TaskID)
			return nil
		}
		if err != nil {
			return err
		}
		if !c.IsActive || c.IsPaused {
			logging.L_debug("scheduler: retry for inactive chain dropped", "taskId", job.TaskID)
			return nil
		}
		policy, maxQueue = c.OverlapPolicy, c.MaxQueueSize
		dispatch = func(ctx context.Context) error {
			return s.exec.Submit(executor.Job{
				Type:             model.TaskTypeChain,
				ID:               c.ID,
				WorkspaceID:      c.WorkspaceID,
				RetryAttempt:     job.RetryAttempt,
				InitialVariables: job.InitialVariables,
			})
		}

	default:
		return fmt.Errorf("unknown retry task type %q", job.TaskType)
	}

	entry := &model.OverlapQueueEntry{
		ID:               uuid.New(),
		WorkspaceID:      job.WorkspaceID,
		TaskType:         job.TaskType,
		TaskID:           job.TaskID,
		EnqueuedAt:       now,
		RetryAttempt:     job.RetryAttempt,
		InitialVariables: job.InitialVariables,
	}
	dec, err := s.overlap.Admit(ctx, s.store.DB(), ref, policy, maxQueue, entry)
	if err != nil {
		return err
	}
	if dec.Outcome != overlap.OutcomeProceed {
		if dec.Outcome != overlap.OutcomeQueued {
			logging.L_debug("scheduler: retry refused by overlap policy, dropped",
				"taskId", job.TaskID, "outcome", dec.Outcome)
		}
		return nil
	}
	if err := dispatch(ctx); err != nil {
		if relErr := s.store.ReleaseSlot(ctx, s.store.DB(), ref); relErr != nil {
			logging.L_error("scheduler: slot release after failed dispatch", "taskId", job.TaskID, "error", relErr)
		}
		return err
	}
	return nil
}

// drainRef moves queued overlap entries of one entity into free slots until
// the entity is at capacity, the queue is empty, or the pool refuses.
func (s *Scheduler) drainRef(ctx context.Context, ref model.TaskRef) {
	for {
		entry, err := s.overlap.DrainNext(ctx, ref)
		if err != nil {
			logging.L_error("scheduler: queue drain failed", "taskType", ref.Type, "taskId", ref.ID, "error", err)
			return
		}
		if entry == nil {
			return
		}
		err = s.exec.Submit(executor.Job{
			Type:             entry.TaskType,
			ID:               entry.TaskID,
			WorkspaceID:      entry.WorkspaceID,
			RetryAttempt:     entry.RetryAttempt,
			InitialVariables: entry.InitialVariables,
		})
		if err != nil {
			logging.L_warn("scheduler: pool refused drained entry, returning slot",
				"taskId", entry.TaskID, "error", err)
			if relErr := s.store.ReleaseSlot(ctx, s.store.DB(), ref); relErr != nil {
				logging.L_error("scheduler: slot release after refused drain", "taskId", entry.TaskID, "error", relErr)
			}
			return
		}
	}
}

// recomputePass fills in next_run_at for rows that lost it: freshly created
// tasks, or tasks parked earlier because their expression would not parse.
func (s *Scheduler) recomputePass(ctx context.Context, now time.Time) error {
	tasks, err := s.store.CronTasksMissingNextRun(ctx, s.cfg.BatchLimitTasks)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		next, err := schedule.NextCron(t.CronExpression, t.Timezone, now)
		if err != nil {
			logging.L_error("scheduler: cron task still unschedulable", "task", t.ID, "name", t.Name, "error", err)
			continue
		}
		if err := s.store.SetCronTaskNextRun(ctx, t.ID, next); err != nil {
			return err
		}
		logging.L_debug("scheduler: recomputed task next run", "task", t.ID, "next", next)
	}

	chains, err := s.store.ChainsMissingNextRun(ctx, s.cfg.BatchLimitChains)
	if err != nil {
		return err
	}
	for i := range chains {
		c := &chains[i]
		if c.CronExpression == nil {
			continue
		}
		next, err := schedule.NextCron(*c.CronExpression, c.Timezone, now)
		if err != nil {
			logging.L_error("scheduler: chain still unschedulable", "chain", c.ID, "name", c.Name, "error", err)
			continue
		}
		if err := s.store.SetChainNextRun(ctx, c.ID, next); err != nil {
			return err
		}
		logging.L_debug("scheduler: recomputed chain next run", "chain", c.ID, "next", next)
	}
	return nil
}

// gcPass applies per-workspace retention to execution history, deleting in
// bounded batches until a batch comes back short.
func (s *Scheduler) gcPass(ctx context.Context, now time.Time) error {
	workspaces, err := s.store.ListActiveWorkspaces(ctx)
	if err != nil {
		return err
	}
	for i := range workspaces {
		w := &workspaces[i]
		days := w.RetentionDays
		if days <= 0 {
			days = s.cfg.RetentionDefaultDays
		}
		before := now.AddDate(0, 0, -days)

		var deleted int64
		for {
			n, err := s.store.DeleteExpiredExecutions(ctx, w.ID, before, gcBatch)
			if err != nil {
				return err
			}
			deleted += n
			if n < gcBatch {
				break
			}
		}
		for {
			n, err := s.store.DeleteExpiredChainExecutions(ctx, w.ID, before, gcBatch)
			if err != nil {
				return err
			}
			deleted += n
			if n < gcBatch {
				break
			}
		}
		if deleted > 0 {
			if s.m != nil {
				s.m.ExecutionsDeleted.Add(float64(deleted))
			}
			logging.L_info("scheduler: expired executions removed", "workspace", w.ID, "count", deleted, "before", before)
		}
	}
	return nil
}
