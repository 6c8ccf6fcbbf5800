package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cronboxhq/cronbox/internal/model"
)

const queueEntryCols = `id, workspace_id, task_type, task_id, enqueued_at, retry_attempt, initial_variables`

// AcquireSlot increments running_instances for the entity. When
// unconditional is false the increment only happens while
// running_instances < max_instances; the return value reports whether a slot
// was taken. Safe under concurrent schedulers: the guarded UPDATE is a single
// statement, so the row lock makes check and increment atomic.
func (s *Store) AcquireSlot(ctx context.Context, q sqlx.ExtContext, ref model.TaskRef, unconditional bool) (bool, error) {
	table, err := taskTable(ref.Type)
	if err != nil {
		return false, err
	}
	var query string
	if unconditional {
		query = `UPDATE ` + table + ` SET running_instances = running_instances + 1, updated_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE ` + table + ` SET running_instances = running_instances + 1, updated_at = NOW()
			WHERE id = $1 AND running_instances < max_instances`
	}
	res, err := q.ExecContext(ctx, query, ref.ID)
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire slot rows: %w", err)
	}
	return n > 0, nil
}

// ReleaseSlot decrements running_instances, never below zero.
func (s *Store) ReleaseSlot(ctx context.Context, q sqlx.ExtContext, ref model.TaskRef) error {
	table, err := taskTable(ref.Type)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE `+table+` SET running_instances = GREATEST(running_instances - 1, 0), updated_at = NOW()
		WHERE id = $1`, ref.ID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// QueueDepth counts waiting entries for the entity.
func (s *Store) QueueDepth(ctx context.Context, q sqlx.ExtContext, ref model.TaskRef) (int, error) {
	var depth int
	err := sqlx.GetContext(ctx, q, &depth, `
		SELECT COUNT(*) FROM overlap_queue WHERE task_type = $1 AND task_id = $2`,
		ref.Type, ref.ID)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// PushQueueEntry appends an entry to the entity's FIFO queue.
func (s *Store) PushQueueEntry(ctx context.Context, q sqlx.ExtContext, e *model.OverlapQueueEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO overlap_queue (id, workspace_id, task_type, task_id, enqueued_at, retry_attempt, initial_variables)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkspaceID, e.TaskType, e.TaskID, e.EnqueuedAt, e.RetryAttempt, e.InitialVariables)
	if err != nil {
		return fmt.Errorf("push queue entry: %w", err)
	}
	return nil
}

// PopQueueEntryTx removes and returns the oldest entry for the entity, or nil
// when the queue is empty. FIFO by enqueued_at then id; SKIP LOCKED keeps
// concurrent poppers from blocking on each other.
func (s *Store) PopQueueEntryTx(ctx context.Context, tx *sqlx.Tx, ref model.TaskRef) (*model.OverlapQueueEntry, error) {
	var e model.OverlapQueueEntry
	err := tx.GetContext(ctx, &e, `
		DELETE FROM overlap_queue
		WHERE id = (
			SELECT id FROM overlap_queue
			WHERE task_type = $1 AND task_id = $2
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueEntryCols,
		ref.Type, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop queue entry: %w", err)
	}
	return &e, nil
}

// ReleaseAndPop releases the entity's slot and, for queue policy, hands the
// slot straight to the oldest waiting entry: the decrement and re-increment
// happen in one transaction while the entity row stays locked, so
// running_instances never exceeds max_instances in between. Returns the
// popped entry for the caller to re-dispatch, or nil.
func (s *Store) ReleaseAndPop(ctx context.Context, ref model.TaskRef, policy model.OverlapPolicy) (*model.OverlapQueueEntry, error) {
	var popped *model.OverlapQueueEntry
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ReleaseSlot(ctx, tx, ref); err != nil {
			return err
		}
		if policy != model.OverlapQueue {
			return nil
		}
		entry, err := s.PopQueueEntryTx(ctx, tx, ref)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		acquired, err := s.AcquireSlot(ctx, tx, ref, false)
		if err != nil {
			return err
		}
		if !acquired {
			// Capacity vanished between release and re-acquire within the
			// same lock, which means max_instances is under concurrent
			// shrink; leave the entry queued for the drain loop.
			return fmt.Errorf("slot handoff lost capacity for %s %s", ref.Type, ref.ID)
		}
		popped = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// QueuedTaskRefs returns the distinct entities that currently have waiting
// queue entries, for the drain loop.
func (s *Store) QueuedTaskRefs(ctx context.Context) ([]model.TaskRef, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT DISTINCT task_type, task_id FROM overlap_queue`)
	if err != nil {
		return nil, fmt.Errorf("list queued refs: %w", err)
	}
	defer rows.Close()

	var refs []model.TaskRef
	for rows.Next() {
		var ref model.TaskRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan queued ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DrainOne attempts to move one queued entry of the entity into a running
// slot: acquire capacity, pop the oldest entry, commit. Returns the entry to
// dispatch, or nil when the entity is at capacity or the queue emptied.
func (s *Store) DrainOne(ctx context.Context, ref model.TaskRef) (*model.OverlapQueueEntry, error) {
	var popped *model.OverlapQueueEntry
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		acquired, err := s.AcquireSlot(ctx, tx, ref, false)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		entry, err := s.PopQueueEntryTx(ctx, tx, ref)
		if err != nil {
			return err
		}
		if entry == nil {
			// Queue emptied since we looked; roll the slot back.
			return s.ReleaseSlot(ctx, tx, ref)
		}
		popped = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// ResetStaleInstances zeroes running_instances on entities whose last run
// started longer ago than their execution_timeout, compensating for executor
// crashes that never released. Entities with a null execution_timeout are
// never reset. Returns the number of entities touched.
func (s *Store) ResetStaleInstances(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"cron_tasks", "delayed_tasks", "task_chains"} {
		res, err := s.db.ExecContext(ctx, `
			UPDATE `+table+`
			SET running_instances = 0, updated_at = $1
			WHERE running_instances > 0
			  AND execution_timeout_seconds IS NOT NULL
			  AND last_run_at IS NOT NULL
			  AND last_run_at + make_interval(secs => execution_timeout_seconds) < $1`, now)
		if err != nil {
			return total, fmt.Errorf("reset stale instances in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
