package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cronboxhq/cronbox/internal/model"
)

func newQueues(t *testing.T) *Queues {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb)
}

func TestWorkerTaskRoundTrip(t *testing.T) {
	q := newQueues(t)
	ctx := context.Background()

	info := model.WorkerTaskInfo{
		TaskID:         uuid.NewString(),
		TaskType:       model.TaskTypeCron,
		URL:            "https://example.com/health",
		Method:         "GET",
		Headers:        map[string]string{"X-Check": "1"},
		TimeoutSeconds: 30,
		WorkspaceID:    uuid.NewString(),
		TaskName:       "health check",
	}
	if err := q.PushWorkerTask(ctx, "worker-1", info); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := q.PollWorkerTask(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got == nil {
		t.Fatal("poll returned nil, want task")
	}
	if got.TaskID != info.TaskID || got.URL != info.URL || got.Headers["X-Check"] != "1" {
		t.Errorf("polled task = %+v, want %+v", got, info)
	}
}

func TestWorkerTasksAreFIFO(t *testing.T) {
	q := newQueues(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.PushWorkerTask(ctx, "w", model.WorkerTaskInfo{TaskID: id}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.PollWorkerTask(ctx, "w", time.Second)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if got == nil || got.TaskID != want {
			t.Fatalf("polled %v, want task %s", got, want)
		}
	}
}

func TestPollOtherWorkerSeesNothing(t *testing.T) {
	q := newQueues(t)
	ctx := context.Background()

	if err := q.PushWorkerTask(ctx, "w1", model.WorkerTaskInfo{TaskID: "x"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := q.PollWorkerTask(ctx, "w2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got != nil {
		t.Errorf("worker w2 received %+v, want nothing", got)
	}
}

func TestRetryNotDueStaysParked(t *testing.T) {
	q := newQueues(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := RetryJob{
		TaskType:     model.TaskTypeCron,
		TaskID:       uuid.New(),
		WorkspaceID:  uuid.New(),
		RetryAttempt: 1,
		DueAt:        now.Add(time.Minute),
	}
	if err := q.ScheduleRetry(ctx, job); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	due, err := q.PopDueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("popped %d jobs before due time", len(due))
	}

	due, err = q.PopDueRetries(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("popped %d jobs, want 1", len(due))
	}
	if due[0].TaskID != job.TaskID || due[0].RetryAttempt != 1 {
		t.Errorf("popped job = %+v, want %+v", due[0], job)
	}

	// Popped means gone.
	depth, err := q.RetryQueueDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("retry depth = %d after pop, want 0", depth)
	}
}

func TestPopDueRetriesOrdersByDueTime(t *testing.T) {
	q := newQueues(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	late := RetryJob{TaskID: uuid.New(), TaskType: model.TaskTypeDelayed, DueAt: base.Add(time.Minute)}
	early := RetryJob{TaskID: uuid.New(), TaskType: model.TaskTypeDelayed, DueAt: base}
	for _, j := range []RetryJob{late, early} {
		if err := q.ScheduleRetry(ctx, j); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	due, err := q.PopDueRetries(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("popped %d jobs, want 2", len(due))
	}
	if due[0].TaskID != early.TaskID {
		t.Errorf("first popped job is %s, want the earlier-due %s", due[0].TaskID, early.TaskID)
	}
}
