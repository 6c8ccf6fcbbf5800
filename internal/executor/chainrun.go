package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/cronboxhq/cronbox/internal/chain"
	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/notify"
)

func (e *Executor) runChain(ctx context.Context, job Job) {
	ref := model.TaskRef{Type: model.TaskTypeChain, ID: job.ID}

	ch, err := e.store.GetChain(ctx, job.ID)
	if err != nil {
		logging.L_error("executor: chain lookup failed", "chainId", job.ID, "error", err)
		e.releaseOnly(ctx, ref)
		return
	}
	if !ch.IsActive || ch.IsPaused {
		logging.L_debug("executor: chain inactive, dropping job", "chainId", job.ID)
		e.release(ctx, ref, ch.OverlapPolicy)
		return
	}

	steps, err := e.store.GetChainSteps(ctx, ch.ID)
	if err != nil {
		logging.L_error("executor: chain steps lookup failed", "chainId", ch.ID, "error", err)
		e.release(ctx, ref, ch.OverlapPolicy)
		return
	}

	ce := &model.ChainExecution{
		ID:          uuid.New(),
		WorkspaceID: ch.WorkspaceID,
		ChainID:     ch.ID,
		Status:      model.ChainRunning,
		TriggerType: ch.TriggerType,
		StartedAt:   e.nowFn(),
	}
	if err := e.store.CreateChainExecution(ctx, ce); err != nil {
		logging.L_error("executor: create chain execution failed", "chainId", ch.ID, "error", err)
	}

	runCtx, cancel := jobContext(ctx, ch.ExecutionTimeoutSeconds)
	res := e.chains.Run(runCtx, ch, steps, job.InitialVariables)
	cancel()

	for i := range res.Steps {
		e.recordStep(ctx, ce.ID, &res.Steps[i])
	}

	finished := e.nowFn()
	ms := finished.Sub(ce.StartedAt).Milliseconds()
	ce.Status = res.Status
	ce.FinishedAt = &finished
	ce.DurationMs = &ms
	ce.CompletedSteps = res.Completed
	ce.FailedSteps = res.Failed
	ce.SkippedSteps = res.Skipped
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		ce.ErrorMessage = &msg
	}
	if err := e.store.FinishChainExecution(ctx, ce); err != nil {
		logging.L_error("executor: finish chain execution failed", "chainExecution", ce.ID, "error", err)
	}
	if err := e.store.RecordChainResult(ctx, ch.ID, res.Status); err != nil {
		logging.L_error("executor: record chain result failed", "chainId", ch.ID, "error", err)
	}
	if e.m != nil {
		e.m.ExecutionsTotal.WithLabelValues(string(model.TaskTypeChain), string(res.Status)).Inc()
	}

	e.release(ctx, ref, ch.OverlapPolicy)
	e.notifyChain(ctx, ch, res)
}

func (e *Executor) recordStep(ctx context.Context, chainExecutionID uuid.UUID, outcome *chain.StepOutcome) {
	se := &model.StepExecution{
		ID:               uuid.New(),
		ChainExecutionID: chainExecutionID,
		StepID:           outcome.Step.ID,
		StepOrder:        outcome.Step.StepOrder,
		Status:           outcome.Status,
		StatusCode:       outcome.StatusCode,
		ResponseBody:     outcome.ResponseBody,
		RetryAttempts:    outcome.RetryAttempts,
		StartedAt:        outcome.StartedAt,
	}
	if outcome.RequestURL != "" {
		u := outcome.RequestURL
		m := outcome.RequestMethod
		se.RequestURL = &u
		se.RequestMethod = &m
	}
	if len(outcome.Extracted) > 0 {
		se.ExtractedVariables = outcome.Extracted
	}
	if outcome.ConditionDetails != "" {
		d := outcome.ConditionDetails
		se.ConditionDetails = &d
	}
	if !outcome.FinishedAt.IsZero() {
		f := outcome.FinishedAt
		ms := f.Sub(outcome.StartedAt).Milliseconds()
		se.FinishedAt = &f
		se.DurationMs = &ms
	}
	if outcome.ErrorKind != "" {
		kind := outcome.ErrorKind
		se.ErrorKind = &kind
	}
	if outcome.ErrorMessage != "" {
		msg := outcome.ErrorMessage
		se.ErrorMessage = &msg
	}
	if err := e.store.CreateStepExecution(ctx, se); err != nil {
		logging.L_error("executor: record step execution failed", "step", outcome.Step.ID, "error", err)
	}
}

func (e *Executor) notifyChain(ctx context.Context, ch *model.TaskChain, res *chain.RunResult) {
	data := map[string]interface{}{
		"completed_steps": res.Completed,
		"failed_steps":    res.Failed,
		"skipped_steps":   res.Skipped,
	}
	if res.ErrorMessage != "" {
		data["error"] = res.ErrorMessage
	}

	var typ notify.EventType
	switch res.Status {
	case model.ChainSuccess:
		if !ch.NotifyOnSuccess {
			return
		}
		typ = notify.EventSuccess
	case model.ChainPartial:
		if !ch.NotifyOnPartial {
			return
		}
		typ = notify.EventPartial
	case model.ChainFailed:
		if !ch.NotifyOnFailure {
			return
		}
		typ = notify.EventFailure
	default:
		return
	}

	e.notify(ctx, notify.Event{
		Type:        typ,
		WorkspaceID: ch.WorkspaceID,
		EntityKind:  "chain",
		EntityName:  ch.Name,
		Data:        data,
	})
}
