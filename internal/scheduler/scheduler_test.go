package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cronboxhq/cronbox/internal/executor"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/queue"
	"github.com/cronboxhq/cronbox/internal/store"
)

type fakeExec struct {
	mu     sync.Mutex
	jobs   []executor.Job
	reject error
}

func (f *fakeExec) Submit(job executor.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeExec) submitted() []executor.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executor.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *queue.Queues, *fakeExec) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(db, "sqlmock")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	qs := queue.NewWithClient(rdb)

	fe := &fakeExec{}
	s := New(Config{}, st, qs, overlap.New(st, nil), fe, nil, nil, nil)
	return s, mock, qs, fe
}

var cronTaskColumns = []string{
	"id", "workspace_id", "name", "protocol", "url", "method", "headers", "body",
	"host", "icmp_count", "port", "cron_expression", "timezone", "timeout_seconds",
	"retry_count", "retry_delay_seconds", "overlap_policy", "max_instances",
	"max_queue_size", "execution_timeout_seconds", "running_instances", "worker_id",
	"is_active", "is_paused", "last_run_at", "next_run_at", "last_status",
	"consecutive_failures", "total_runs", "total_failures", "notify_on_failure",
	"notify_on_success", "notify_on_recovery", "created_at", "updated_at",
}

type cronRowOpts struct {
	expr     string
	workerID interface{}
	active   bool
	paused   bool
}

func cronRow(id, ws uuid.UUID, opts cronRowOpts) *sqlmock.Rows {
	now := time.Now().UTC()
	if opts.expr == "" {
		opts.expr = "*/5 * * * *"
	}
	return sqlmock.NewRows(cronTaskColumns).AddRow(
		id.String(), ws.String(), "db backup ping", "http", "https://example.com/hook", "GET", nil, nil,
		nil, nil, nil, opts.expr, "UTC", 30,
		2, 60, "skip", 1,
		5, nil, 0, opts.workerID,
		opts.active, opts.paused, nil, now.Add(-time.Minute), nil,
		0, 0, 0, true,
		true, true, now, now,
	)
}

var delayedTaskColumns = []string{
	"id", "workspace_id", "name", "protocol", "url", "method", "headers", "body",
	"host", "icmp_count", "port", "execute_at", "status", "idempotency_key",
	"timeout_seconds", "retry_count", "retry_delay_seconds", "retry_attempt",
	"overlap_policy", "max_instances", "max_queue_size", "execution_timeout_seconds",
	"running_instances", "worker_id", "last_run_at", "notify_on_failure",
	"notify_on_success", "created_at", "updated_at",
}

func delayedRow(id, ws uuid.UUID, retryAttempt int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(delayedTaskColumns).AddRow(
		id.String(), ws.String(), "welcome email", "http", "https://example.com/send", "POST", nil, nil,
		nil, nil, nil, now.Add(-time.Minute), "pending", nil,
		30, 2, 60, retryAttempt,
		"skip", 1, 5, nil,
		0, nil, nil, true,
		true, now, now,
	)
}

var chainColumns = []string{
	"id", "workspace_id", "name", "trigger_type", "cron_expression", "execute_at",
	"timezone", "stop_on_failure", "overlap_policy", "max_instances", "max_queue_size",
	"execution_timeout_seconds", "running_instances", "notify_on_failure",
	"notify_on_success", "notify_on_partial", "is_active", "is_paused", "last_run_at",
	"next_run_at", "last_status", "created_at", "updated_at",
}

func delayedChainRow(id, ws uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(chainColumns).AddRow(
		id.String(), ws.String(), "deploy chain", "delayed", nil, now.Add(-time.Minute),
		"UTC", true, "skip", 1, 5,
		nil, 0, true,
		true, true, true, false, nil,
		now.Add(-time.Minute), nil, now, now,
	)
}

var queueEntryColumns = []string{
	"id", "workspace_id", "task_type", "task_id", "enqueued_at", "retry_attempt", "initial_variables",
}

func TestCronPassDispatchesDueTaskLocally(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{active: true}))
	mock.ExpectExec(`SET next_run_at = \$2, last_run_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(sqlmock.NewRows(cronTaskColumns))
	mock.ExpectCommit()

	if err := s.cronPass(context.Background(), now); err != nil {
		t.Fatalf("cron pass: %v", err)
	}

	jobs := fe.submitted()
	if len(jobs) != 1 || jobs[0].Type != model.TaskTypeCron || jobs[0].ID != id {
		t.Errorf("jobs = %+v, want one cron job for %s", jobs, id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCronPassParksBadExpression(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{expr: "not a cron", active: true}))
	mock.ExpectExec(`next_run_at = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(sqlmock.NewRows(cronTaskColumns))
	mock.ExpectCommit()

	if err := s.cronPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("cron pass: %v", err)
	}
	if len(fe.submitted()) != 0 {
		t.Errorf("no jobs expected, got %+v", fe.submitted())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCronPassRoutesHTTPTaskToWorker(t *testing.T) {
	s, mock, qs, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{workerID: "agent-1", active: true}))
	mock.ExpectExec(`SET next_run_at = \$2, last_run_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(sqlmock.NewRows(cronTaskColumns))
	mock.ExpectCommit()

	if err := s.cronPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("cron pass: %v", err)
	}

	if len(fe.submitted()) != 0 {
		t.Errorf("worker-bound task must not hit the local pool, got %+v", fe.submitted())
	}
	depth, err := qs.WorkerQueueDepth(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("worker queue depth = %d, want 1", depth)
	}
}

func TestDelayedPassCancelsSkippedTask(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM delayed_tasks`).
		WillReturnRows(delayedRow(id, ws, 0))
	mock.ExpectExec(`SET status = \$2, last_run_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // slot busy, skip policy
	mock.ExpectExec(`SET status = \$2, updated_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM delayed_tasks`).
		WillReturnRows(sqlmock.NewRows(delayedTaskColumns))
	mock.ExpectCommit()

	if err := s.delayedPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("delayed pass: %v", err)
	}
	if len(fe.submitted()) != 0 {
		t.Errorf("no jobs expected, got %+v", fe.submitted())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDelayedPassDispatchesWhenSlotFree(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM delayed_tasks`).
		WillReturnRows(delayedRow(id, ws, 1))
	mock.ExpectExec(`SET status = \$2, last_run_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM delayed_tasks`).
		WillReturnRows(sqlmock.NewRows(delayedTaskColumns))
	mock.ExpectCommit()

	if err := s.delayedPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("delayed pass: %v", err)
	}

	jobs := fe.submitted()
	if len(jobs) != 1 || jobs[0].Type != model.TaskTypeDelayed || jobs[0].RetryAttempt != 1 {
		t.Errorf("jobs = %+v, want one delayed job at attempt 1", jobs)
	}
}

func TestChainPassAdvancesDelayedTriggerOnce(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM task_chains`).
		WillReturnRows(delayedChainRow(id, ws))
	mock.ExpectExec(`SET next_run_at = \$2, last_run_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM task_chains`).
		WillReturnRows(sqlmock.NewRows(chainColumns))
	mock.ExpectCommit()

	if err := s.chainPass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("chain pass: %v", err)
	}

	jobs := fe.submitted()
	if len(jobs) != 1 || jobs[0].Type != model.TaskTypeChain || jobs[0].ID != id {
		t.Errorf("jobs = %+v, want one chain job for %s", jobs, id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueueDrainReadmitsDueRetry(t *testing.T) {
	s, mock, qs, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()
	now := time.Now().UTC()
	ctx := context.Background()

	err := qs.ScheduleRetry(ctx, queue.RetryJob{
		TaskType:     model.TaskTypeCron,
		TaskID:       id,
		WorkspaceID:  ws,
		RetryAttempt: 2,
		DueAt:        now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{active: true}))
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT DISTINCT task_type, task_id FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "task_id"}))

	if err := s.queueDrainPass(ctx, now); err != nil {
		t.Fatalf("drain pass: %v", err)
	}

	jobs := fe.submitted()
	if len(jobs) != 1 || jobs[0].RetryAttempt != 2 {
		t.Errorf("jobs = %+v, want one retry at attempt 2", jobs)
	}
	depth, err := qs.RetryQueueDepth(ctx)
	if err != nil {
		t.Fatalf("retry depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("retry queue depth = %d, want 0", depth)
	}
}

func TestQueueDrainDropsRetryForPausedTask(t *testing.T) {
	s, mock, qs, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()
	now := time.Now().UTC()
	ctx := context.Background()

	err := qs.ScheduleRetry(ctx, queue.RetryJob{
		TaskType:     model.TaskTypeCron,
		TaskID:       id,
		WorkspaceID:  ws,
		RetryAttempt: 1,
		DueAt:        now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{active: true, paused: true}))
	mock.ExpectQuery(`SELECT DISTINCT task_type, task_id FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "task_id"}))

	if err := s.queueDrainPass(ctx, now); err != nil {
		t.Fatalf("drain pass: %v", err)
	}
	if len(fe.submitted()) != 0 {
		t.Errorf("no jobs expected, got %+v", fe.submitted())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueueDrainMovesQueuedEntries(t *testing.T) {
	s, mock, _, fe := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT DISTINCT task_type, task_id FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "task_id"}).
			AddRow("cron", id.String()))

	// First drain pops an entry into a free slot.
	mock.ExpectBegin()
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`DELETE FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows(queueEntryColumns).
			AddRow(uuid.New().String(), ws.String(), "cron", id.String(), now, 0, nil))
	mock.ExpectCommit()

	// Second drain finds the queue empty and rolls the slot back.
	mock.ExpectBegin()
	mock.ExpectExec(`running_instances < max_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`DELETE FROM overlap_queue`).
		WillReturnRows(sqlmock.NewRows(queueEntryColumns))
	mock.ExpectExec(`GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.queueDrainPass(context.Background(), now); err != nil {
		t.Fatalf("drain pass: %v", err)
	}

	jobs := fe.submitted()
	if len(jobs) != 1 || jobs[0].Type != model.TaskTypeCron || jobs[0].ID != id {
		t.Errorf("jobs = %+v, want one drained cron job", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecomputePassSetsMissingNextRuns(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)
	id, ws := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM cron_tasks`).
		WillReturnRows(cronRow(id, ws, cronRowOpts{active: true}))
	mock.ExpectExec(`SET next_run_at = \$2, updated_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM task_chains`).
		WillReturnRows(sqlmock.NewRows(chainColumns))

	if err := s.recomputePass(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("recompute pass: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGCPassDeletesUntilBatchShort(t *testing.T) {
	s, mock, _, _ := newTestScheduler(t)
	ws := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM workspaces`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "retention_days", "telegram_chat_id", "notify_emails",
			"webhook_url", "webhook_secret", "language", "is_active", "created_at", "updated_at",
		}).AddRow(ws.String(), "acme", 3, nil, nil, nil, nil, "en", true, now, now))

	mock.ExpectExec(`DELETE FROM executions`).
		WillReturnResult(sqlmock.NewResult(0, int64(gcBatch)))
	mock.ExpectExec(`DELETE FROM executions`).
		WillReturnResult(sqlmock.NewResult(0, 120))
	mock.ExpectExec(`DELETE FROM chain_executions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.gcPass(context.Background(), now); err != nil {
		t.Fatalf("gc pass: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
