// Package executor runs dispatched jobs on a bounded worker pool: fetch the
// entity, drive the probe or chain, persist the execution record, update
// entity bookkeeping, release the overlap slot, and emit notifications.
// Every job arrives already holding one running_instances slot; the executor
// releases it at the end of the job no matter how the job went.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/chain"
	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/probe"
	"github.com/cronboxhq/cronbox/internal/queue"
	"github.com/cronboxhq/cronbox/internal/store"
)

// Job is one unit of work handed to the pool. The dispatcher acquires the
// entity's overlap slot before submitting.
type Job struct {
	Type             model.TaskType
	ID               uuid.UUID
	WorkspaceID      uuid.UUID
	RetryAttempt     int
	InitialVariables model.AnyMap
}

// Notifier is the slice of the notification fan-out the executor needs.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event)
}

// RetryScheduler parks deferred retry attempts.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, job queue.RetryJob) error
}

type Config struct {
	PoolSize      int
	QueueCapacity int
}

// Executor is the worker pool. Start launches the workers; Submit feeds them.
type Executor struct {
	cfg      Config
	store    *store.Store
	prober   *probe.Prober
	chains   *chain.Interpreter
	overlap  *overlap.Controller
	retries  RetryScheduler
	notifier Notifier
	m        *metrics.Metrics

	jobs chan Job
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	nowFn func() time.Time
}

func New(cfg Config, st *store.Store, prober *probe.Prober, chains *chain.Interpreter,
	ovl *overlap.Controller, retries RetryScheduler, notifier Notifier, m *metrics.Metrics) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Executor{
		cfg:      cfg,
		store:    st,
		prober:   prober,
		chains:   chains,
		overlap:  ovl,
		retries:  retries,
		notifier: notifier,
		m:        m,
		jobs:     make(chan Job, cfg.QueueCapacity),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker goroutines.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("executor already running")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i)
	}
	logging.L_info("executor: started", "workers", e.cfg.PoolSize, "queueCapacity", e.cfg.QueueCapacity)
	return nil
}

// Stop drains the pool: no new jobs are accepted, in-flight and queued jobs
// finish unless ctx expires first.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.jobs)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.L_info("executor: stopped")
	case <-ctx.Done():
		e.cancel()
		logging.L_warn("executor: drain deadline hit, abandoning in-flight jobs")
		<-done
	}
	return nil
}

// Submit queues a job for the pool. Returns an error when the executor is
// stopped or the queue is full; the caller still owns the job's slot then.
func (e *Executor) Submit(job Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("executor not running")
	}
	select {
	case e.jobs <- job:
		if e.m != nil {
			e.m.JobQueueDepth.Set(float64(len(e.jobs)))
		}
		return nil
	default:
		return fmt.Errorf("executor queue full")
	}
}

func (e *Executor) runWorker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.jobs:
			if !ok {
				return
			}
			if e.m != nil {
				e.m.JobQueueDepth.Set(float64(len(e.jobs)))
				e.m.JobsInFlight.Inc()
			}
			e.execute(ctx, job)
			if e.m != nil {
				e.m.JobsInFlight.Dec()
			}
		}
	}
}

func (e *Executor) execute(ctx context.Context, job Job) {
	started := e.nowFn()
	logging.L_debug("executor: job start", "taskType", job.Type, "taskId", job.ID, "attempt", job.RetryAttempt)

	switch job.Type {
	case model.TaskTypeCron:
		e.runCron(ctx, job)
	case model.TaskTypeDelayed:
		e.runDelayed(ctx, job)
	case model.TaskTypeChain:
		e.runChain(ctx, job)
	default:
		logging.L_error("executor: unknown task type, releasing slot", "taskType", job.Type, "taskId", job.ID)
		e.releaseOnly(ctx, model.TaskRef{Type: job.Type, ID: job.ID})
	}

	logging.L_debug("executor: job done", "taskType", job.Type, "taskId", job.ID, "elapsed", time.Since(started).String())
}

// jobContext applies the entity's hard execution timeout, when it has one.
func jobContext(ctx context.Context, executionTimeoutSeconds *int) (context.Context, context.CancelFunc) {
	if executionTimeoutSeconds == nil || *executionTimeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(*executionTimeoutSeconds)*time.Second)
}

// release frees the job's slot and re-submits the queue entry the freed slot
// was handed to, if any.
func (e *Executor) release(ctx context.Context, ref model.TaskRef, policy model.OverlapPolicy) {
	entry, err := e.overlap.Release(ctx, ref, policy)
	if err != nil {
		logging.L_error("executor: slot release failed", "taskType", ref.Type, "taskId", ref.ID, "error", err)
		return
	}
	if entry == nil {
		return
	}
	e.resubmit(ctx, ref, entry)
}

// releaseOnly frees the slot without touching the overlap queue. Used when
// the entity could not be loaded and its policy is unknown.
func (e *Executor) releaseOnly(ctx context.Context, ref model.TaskRef) {
	if _, err := e.overlap.Release(ctx, ref, model.OverlapAllow); err != nil {
		logging.L_error("executor: slot release failed", "taskType", ref.Type, "taskId", ref.ID, "error", err)
	}
}

// resubmit feeds a popped queue entry back into the pool. The entry already
// holds the slot the finished job gave up; if the pool cannot take it the
// slot is released so the drain loop can retry later.
func (e *Executor) resubmit(ctx context.Context, ref model.TaskRef, entry *model.OverlapQueueEntry) {
	err := e.Submit(Job{
		Type:             entry.TaskType,
		ID:               entry.TaskID,
		WorkspaceID:      entry.WorkspaceID,
		RetryAttempt:     entry.RetryAttempt,
		InitialVariables: entry.InitialVariables,
	})
	if err != nil {
		logging.L_warn("executor: could not resubmit queued entry, returning slot", "taskId", entry.TaskID, "error", err)
		e.releaseOnly(ctx, ref)
	}
}

func (e *Executor) notify(ctx context.Context, ev notify.Event) {
	if e.notifier != nil {
		e.notifier.Send(ctx, ev)
	}
}

func (e *Executor) countExecution(taskType model.TaskType, status model.ExecutionStatus) {
	if e.m != nil {
		e.m.ExecutionsTotal.WithLabelValues(string(taskType), string(status)).Inc()
	}
}

func (e *Executor) observeProbe(protocol model.Protocol, res *probe.Result) {
	if e.m == nil {
		return
	}
	e.m.ProbeDuration.WithLabelValues(string(protocol)).Observe(res.Duration.Seconds())
	if !res.Success {
		e.m.ProbeErrors.WithLabelValues(string(protocol), string(res.ErrorKind)).Inc()
	}
}
