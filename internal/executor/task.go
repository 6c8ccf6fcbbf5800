package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
	"github.com/cronboxhq/cronbox/internal/probe"
	"github.com/cronboxhq/cronbox/internal/queue"
)

func (e *Executor) runCron(ctx context.Context, job Job) {
	ref := model.TaskRef{Type: model.TaskTypeCron, ID: job.ID}

	t, err := e.store.GetCronTask(ctx, job.ID)
	if err != nil {
		logging.L_error("executor: cron task lookup failed", "taskId", job.ID, "error", err)
		e.releaseOnly(ctx, ref)
		return
	}
	if !t.IsActive || t.IsPaused {
		logging.L_debug("executor: cron task inactive, dropping job", "taskId", job.ID)
		e.release(ctx, ref, t.OverlapPolicy)
		return
	}

	res := e.runProbe(ctx, job, model.TaskTypeCron, probeTarget(t.Protocol, t.URL, t.Method, t.Headers, t.Body, t.Host, t.ICMPCount, t.Port),
		t.Timeout(), t.ExecutionTimeoutSeconds)

	// An attempt is final when it succeeded, the failure is permanent, or the
	// retry budget is spent. Only final attempts move the task's counters.
	final := res.Success || !res.ErrorKind.Transient() || job.RetryAttempt >= t.RetryCount
	if final {
		if err := e.store.RecordCronTaskResult(ctx, t.ID, res.Success); err != nil {
			logging.L_error("executor: record cron result failed", "taskId", t.ID, "error", err)
		}
	}

	e.release(ctx, ref, t.OverlapPolicy)

	if final {
		e.notifyCron(ctx, t, res)
	} else {
		e.scheduleCronRetry(ctx, t, job)
	}
}

func (e *Executor) notifyCron(ctx context.Context, t *model.CronTask, res *probe.Result) {
	switch {
	case res.Success:
		wasFailed := t.LastStatus != nil && *t.LastStatus == string(model.ExecutionFailed)
		if wasFailed && t.NotifyOnRecovery {
			e.notify(ctx, notify.Event{
				Type:        notify.EventRecovery,
				WorkspaceID: t.WorkspaceID,
				EntityKind:  "cron task",
				EntityName:  t.Name,
			})
		}
		if t.NotifyOnSuccess {
			e.notify(ctx, notify.Event{
				Type:        notify.EventSuccess,
				WorkspaceID: t.WorkspaceID,
				EntityKind:  "cron task",
				EntityName:  t.Name,
			})
		}
	default:
		if t.NotifyOnFailure {
			e.notify(ctx, notify.Event{
				Type:        notify.EventFailure,
				WorkspaceID: t.WorkspaceID,
				EntityKind:  "cron task",
				EntityName:  t.Name,
				Data: map[string]interface{}{
					"error": res.ErrorMessage,
					"kind":  string(res.ErrorKind),
				},
			})
		}
	}
}

// scheduleCronRetry parks the next attempt in the retry queue. The retry job
// does not carry a slot; the drain loop re-admits it through the overlap
// controller when it comes due.
func (e *Executor) scheduleCronRetry(ctx context.Context, t *model.CronTask, job Job) {
	due := e.nowFn().Add(t.RetryDelay())
	err := e.retries.ScheduleRetry(ctx, queue.RetryJob{
		TaskType:     model.TaskTypeCron,
		TaskID:       t.ID,
		WorkspaceID:  t.WorkspaceID,
		RetryAttempt: job.RetryAttempt + 1,
		DueAt:        due,
	})
	if err != nil {
		logging.L_error("executor: schedule retry failed", "taskId", t.ID, "error", err)
		return
	}
	if e.m != nil {
		e.m.RetriesScheduled.Inc()
	}
	logging.L_debug("executor: retry scheduled", "taskId", t.ID, "attempt", job.RetryAttempt+1, "due", due)
}

func (e *Executor) runDelayed(ctx context.Context, job Job) {
	ref := model.TaskRef{Type: model.TaskTypeDelayed, ID: job.ID}

	t, err := e.store.GetDelayedTask(ctx, job.ID)
	if err != nil {
		logging.L_error("executor: delayed task lookup failed", "taskId", job.ID, "error", err)
		e.releaseOnly(ctx, ref)
		return
	}
	if t.Status != model.DelayedRunning {
		// Claim transitions the row to running before dispatch; anything else
		// means the task was cancelled or finished underneath us.
		logging.L_debug("executor: delayed task not running, dropping job", "taskId", job.ID, "status", t.Status)
		e.release(ctx, ref, t.OverlapPolicy)
		return
	}

	res := e.runProbe(ctx, job, model.TaskTypeDelayed, probeTarget(t.Protocol, t.URL, t.Method, t.Headers, t.Body, t.Host, t.ICMPCount, t.Port),
		t.Timeout(), t.ExecutionTimeoutSeconds)

	final := res.Success || !res.ErrorKind.Transient() || t.RetryAttempt >= t.RetryCount
	switch {
	case res.Success:
		if err := e.store.FinishDelayedTask(ctx, t.ID, model.DelayedSuccess); err != nil {
			logging.L_error("executor: finish delayed task failed", "taskId", t.ID, "error", err)
		}
	case final:
		if err := e.store.FinishDelayedTask(ctx, t.ID, model.DelayedFailed); err != nil {
			logging.L_error("executor: finish delayed task failed", "taskId", t.ID, "error", err)
		}
	default:
		// Back to pending with execute_at pushed out; the delayed poll loop
		// re-claims it when due.
		if err := e.store.RetryDelayedTask(ctx, t.ID, e.nowFn().Add(t.RetryDelay())); err != nil {
			logging.L_error("executor: reschedule delayed task failed", "taskId", t.ID, "error", err)
		} else if e.m != nil {
			e.m.RetriesScheduled.Inc()
		}
	}

	e.release(ctx, ref, t.OverlapPolicy)

	if !final {
		return
	}
	if res.Success && t.NotifyOnSuccess {
		e.notify(ctx, successEvent("delayed task", t.Name, t.WorkspaceID))
	}
	if !res.Success && t.NotifyOnFailure {
		e.notify(ctx, failureEvent("delayed task", t.Name, t.WorkspaceID, res.ErrorMessage))
	}
}

func successEvent(kind, name string, workspaceID uuid.UUID) notify.Event {
	return notify.Event{
		Type:        notify.EventSuccess,
		WorkspaceID: workspaceID,
		EntityKind:  kind,
		EntityName:  name,
	}
}

func failureEvent(kind, name string, workspaceID uuid.UUID, errMsg string) notify.Event {
	ev := notify.Event{
		Type:        notify.EventFailure,
		WorkspaceID: workspaceID,
		EntityKind:  kind,
		EntityName:  name,
	}
	if errMsg != "" {
		ev.Data = map[string]interface{}{"error": errMsg}
	}
	return ev
}

// runProbe records the execution row around one probe attempt.
func (e *Executor) runProbe(ctx context.Context, job Job, taskType model.TaskType, target probe.Target,
	timeout time.Duration, executionTimeoutSeconds *int) *probe.Result {

	attempt := job.RetryAttempt
	exec := &model.Execution{
		ID:           uuid.New(),
		WorkspaceID:  job.WorkspaceID,
		TaskType:     taskType,
		TaskID:       job.ID,
		RetryAttempt: attempt,
		Status:       model.ExecutionRunning,
		StartedAt:    e.nowFn(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		logging.L_error("executor: create execution failed", "taskId", job.ID, "error", err)
	}

	probeCtx, cancel := jobContext(ctx, executionTimeoutSeconds)
	res := e.prober.Run(probeCtx, target, timeout)
	cancel()
	e.observeProbe(target.Protocol, res)

	applyProbeResult(exec, res, e.nowFn())
	if err := e.store.FinishExecution(ctx, exec); err != nil {
		logging.L_error("executor: finish execution failed", "execution", exec.ID, "error", err)
	}
	e.countExecution(taskType, exec.Status)
	return res
}

// probeTarget builds a probe target from an entity's nullable protocol
// columns.
func probeTarget(protocol model.Protocol, url, method *string, headers model.StringMap, body, host *string,
	icmpCount, port *int) probe.Target {

	t := probe.Target{Protocol: protocol, Headers: headers}
	if url != nil {
		t.URL = *url
	}
	if method != nil {
		t.Method = *method
	}
	if body != nil {
		t.Body = *body
	}
	if host != nil {
		t.Host = *host
	}
	if icmpCount != nil {
		t.ICMPCount = *icmpCount
	}
	if port != nil {
		t.Port = *port
	}
	return t
}

// applyProbeResult copies a probe result onto the execution row.
func applyProbeResult(exec *model.Execution, res *probe.Result, finished time.Time) {
	exec.Status = model.ExecutionFailed
	if res.Success {
		exec.Status = model.ExecutionSuccess
	}
	exec.FinishedAt = &finished
	ms := res.Duration.Milliseconds()
	exec.DurationMs = &ms

	if res.HTTP != nil {
		code := res.HTTP.StatusCode
		body := res.HTTP.Body
		size := res.HTTP.Size
		exec.StatusCode = &code
		exec.ResponseHeaders = res.HTTP.Headers
		exec.ResponseBody = &body
		exec.ResponseSize = &size
	}
	if res.ICMP != nil {
		sent := res.ICMP.PacketsSent
		recv := res.ICMP.PacketsReceived
		loss := res.ICMP.PacketLossPct
		exec.PacketsSent = &sent
		exec.PacketsReceived = &recv
		exec.PacketLossPct = &loss
		exec.MinRTTMs = res.ICMP.MinRTTMs
		exec.AvgRTTMs = res.ICMP.AvgRTTMs
		exec.MaxRTTMs = res.ICMP.MaxRTTMs
	}
	if res.TCP != nil {
		connect := float64(res.TCP.ConnectTime.Microseconds()) / 1000.0
		exec.ConnectTimeMs = &connect
	}
	if !res.Success {
		kind := res.ErrorKind
		msg := res.ErrorMessage
		exec.ErrorKind = &kind
		exec.ErrorMessage = &msg
	}
}
