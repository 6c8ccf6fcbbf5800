// Package queue holds the Redis-backed queues: per-worker task lists that
// external workers long-poll, and the deferred-retry set the dispatcher
// drains. Postgres stays the source of truth for entity state; Redis only
// carries in-flight dispatch payloads.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

const (
	workerKeyPrefix = "cronbox:worker:"
	retryKey        = "cronbox:retries"
)

// Queues wraps the Redis client. Safe for concurrent use.
type Queues struct {
	rdb *redis.Client
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Queues, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	L_info("queue: connected", "addr", addr, "db", db)
	return &Queues{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Queues {
	return &Queues{rdb: rdb}
}

// Close releases the client.
func (q *Queues) Close() error {
	return q.rdb.Close()
}

func workerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

// PushWorkerTask appends a task to a worker's queue. The worker receives
// tasks oldest-first.
func (q *Queues) PushWorkerTask(ctx context.Context, workerID string, info model.WorkerTaskInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker task: %w", err)
	}
	if err := q.rdb.LPush(ctx, workerKey(workerID), payload).Err(); err != nil {
		return fmt.Errorf("push worker task: %w", err)
	}
	L_debug("queue: pushed worker task", "worker", workerID, "task", info.TaskID)
	return nil
}

// PollWorkerTask blocks up to timeout waiting for a task on the worker's
// queue. Returns nil when the timeout elapses with nothing queued.
func (q *Queues) PollWorkerTask(ctx context.Context, workerID string, timeout time.Duration) (*model.WorkerTaskInfo, error) {
	res, err := q.rdb.BRPop(ctx, timeout, workerKey(workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll worker task: %w", err)
	}
	// BRPop returns [key, value].
	var info model.WorkerTaskInfo
	if err := json.Unmarshal([]byte(res[1]), &info); err != nil {
		return nil, fmt.Errorf("decode worker task: %w", err)
	}
	return &info, nil
}

// WorkerQueueDepth reports how many tasks wait on a worker's queue.
func (q *Queues) WorkerQueueDepth(ctx context.Context, workerID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, workerKey(workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("worker queue depth: %w", err)
	}
	return n, nil
}

// RetryJob is a deferred re-dispatch of a failed attempt. DueAt is carried in
// the payload as well as the score so a popped job survives decode round
// trips intact.
type RetryJob struct {
	TaskType         model.TaskType `json:"task_type"`
	TaskID           uuid.UUID      `json:"task_id"`
	WorkspaceID      uuid.UUID      `json:"workspace_id"`
	RetryAttempt     int            `json:"retry_attempt"`
	InitialVariables model.AnyMap   `json:"initial_variables,omitempty"`
	DueAt            time.Time      `json:"due_at"`
}

// ScheduleRetry parks a retry until its due time.
func (q *Queues) ScheduleRetry(ctx context.Context, job RetryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	L_debug("queue: scheduled retry", "taskType", job.TaskType, "taskId", job.TaskID,
		"attempt", job.RetryAttempt, "due", job.DueAt)
	return nil
}

// PopDueRetries removes and returns up to limit retries whose due time has
// passed. Each member is removed before it is returned, so two concurrent
// schedulers never pop the same job: ZREM reports whether this caller won.
func (q *Queues) PopDueRetries(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	members, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due retries: %w", err)
	}

	var jobs []RetryJob
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, retryKey, m).Result()
		if err != nil {
			return jobs, fmt.Errorf("remove due retry: %w", err)
		}
		if removed == 0 {
			// A peer scheduler claimed it first.
			continue
		}
		var job RetryJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			L_error("queue: dropping undecodable retry job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryQueueDepth reports how many retries are parked, due or not.
func (q *Queues) RetryQueueDepth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, retryKey).Result()
	if err != nil {
		return 0, fmt.Errorf("retry queue depth: %w", err)
	}
	return n, nil
}
