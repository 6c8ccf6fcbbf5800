// Package chain runs task chains: ordered HTTP steps with per-step
// conditions, {{var}} substitution, JSONPath variable extraction, and
// stop/continue failure policy. The interpreter is pure computation plus
// probe calls; persisting the results is the executor's job.
package chain

import (
	"context"
	"fmt"
	"time"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
	"github.com/cronboxhq/cronbox/internal/probe"
)

// Context is the interpreter state threaded between steps.
type Context struct {
	Variables          model.AnyMap
	PreviousStatusCode int
	PreviousBody       string

	Completed int
	Failed    int
	Skipped   int
}

// StepOutcome is the recorded result of one step, including skipped ones.
type StepOutcome struct {
	Step   *model.ChainStep
	Status model.StepStatus

	RequestURL    string
	RequestMethod string

	StatusCode   *int
	ResponseBody *string

	Extracted        model.AnyMap
	ConditionDetails string

	RetryAttempts int

	StartedAt  time.Time
	FinishedAt time.Time

	ErrorKind    model.ErrorKind
	ErrorMessage string
}

// RunResult is the outcome of a whole chain run.
type RunResult struct {
	Status       model.ChainStatus
	Completed    int
	Failed       int
	Skipped      int
	ErrorMessage string
	Steps        []StepOutcome
	Variables    model.AnyMap
}

// Interpreter executes chains. Safe for concurrent use.
type Interpreter struct {
	prober *probe.Prober

	// Overridden in tests to pin time and skip retry delays.
	nowFn func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(prober *probe.Prober) *Interpreter {
	return &Interpreter{
		prober: prober,
		nowFn:  func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the chain's enabled steps in order. Disabled steps are not
// recorded at all; skipped steps (failed condition) are.
func (i *Interpreter) Run(ctx context.Context, ch *model.TaskChain, steps []model.ChainStep, initialVars model.AnyMap) *RunResult {
	cc := &Context{Variables: model.AnyMap{}}
	for k, v := range initialVars {
		cc.Variables[k] = v
	}

	result := &RunResult{}

	for idx := range steps {
		step := &steps[idx]
		if !step.IsEnabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.ErrorMessage = fmt.Sprintf("Chain stopped at step %d: %v", step.StepOrder, err)
			break
		}

		outcome := i.runStep(ctx, step, cc)
		result.Steps = append(result.Steps, *outcome)

		switch outcome.Status {
		case model.StepSkipped:
			cc.Skipped++
			continue
		case model.StepSuccess:
			cc.Completed++
		case model.StepFailed:
			cc.Failed++
			if step.ContinueOnFailure || !ch.StopOnFailure {
				continue
			}
			result.ErrorMessage = fmt.Sprintf("Chain stopped at step %d: %s", step.StepOrder, outcome.ErrorMessage)
		}
		if result.ErrorMessage != "" {
			break
		}
	}

	result.Completed = cc.Completed
	result.Failed = cc.Failed
	result.Skipped = cc.Skipped
	result.Variables = cc.Variables
	result.Status = finalStatus(cc)
	L_debug("chain: run finished", "chain", ch.ID, "status", result.Status,
		"completed", cc.Completed, "failed", cc.Failed, "skipped", cc.Skipped)
	return result
}

// finalStatus: every executed step succeeded and at least one ran => success;
// nothing completed => failed; otherwise a mix => partial.
func finalStatus(cc *Context) model.ChainStatus {
	switch {
	case cc.Completed > 0 && cc.Failed == 0:
		return model.ChainSuccess
	case cc.Completed == 0:
		return model.ChainFailed
	default:
		return model.ChainPartial
	}
}

func (i *Interpreter) runStep(ctx context.Context, step *model.ChainStep, cc *Context) *StepOutcome {
	outcome := &StepOutcome{
		Step:      step,
		StartedAt: i.nowFn(),
	}
	defer func() { outcome.FinishedAt = i.nowFn() }()

	// Condition gate, judged against the previous step's response.
	if pass, details := evalCondition(step.Condition, cc.PreviousStatusCode, cc.PreviousBody); !pass {
		outcome.Status = model.StepSkipped
		outcome.ConditionDetails = details
		return outcome
	}

	// Placeholder substitution. A missing variable is a permanent failure.
	target, err := i.buildTarget(step, cc.Variables)
	if err != nil {
		outcome.Status = model.StepFailed
		outcome.ErrorKind = model.ErrKindVariableSub
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	outcome.RequestURL = target.URL
	outcome.RequestMethod = target.Method

	// Per-step retry with linear delay. Permanent error kinds stop early.
	var res *probe.Result
	for attempt := 0; ; attempt++ {
		res = i.prober.Run(ctx, *target, step.Timeout())
		outcome.RetryAttempts = attempt
		if res.Success || attempt >= step.RetryCount || !res.ErrorKind.Transient() {
			break
		}
		if err := i.sleep(ctx, step.RetryDelay()); err != nil {
			break
		}
	}

	if res.HTTP != nil {
		code := res.HTTP.StatusCode
		body := res.HTTP.Body
		outcome.StatusCode = &code
		outcome.ResponseBody = &body
		cc.PreviousStatusCode = code
		cc.PreviousBody = body
	}

	if !res.Success {
		outcome.Status = model.StepFailed
		outcome.ErrorKind = res.ErrorKind
		outcome.ErrorMessage = res.ErrorMessage
		return outcome
	}

	outcome.Status = model.StepSuccess

	// Extract variables from the response body. Missing values are omitted,
	// not errors.
	if len(step.ExtractVariables) > 0 && res.HTTP != nil {
		outcome.Extracted = model.AnyMap{}
		for name, path := range step.ExtractVariables {
			v, found, err := jsonPathInBody(res.HTTP.Body, path)
			if err != nil {
				L_debug("chain: variable extraction failed", "step", step.ID, "var", name, "error", err)
				continue
			}
			if !found {
				continue
			}
			outcome.Extracted[name] = v
			cc.Variables[name] = v
		}
	}
	return outcome
}

// buildTarget renders the step's request template with the current variables.
func (i *Interpreter) buildTarget(step *model.ChainStep, vars model.AnyMap) (*probe.Target, error) {
	url, err := substitute(step.URL, vars)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	headers := make(model.StringMap, len(step.Headers))
	for k, v := range step.Headers {
		rendered, err := substitute(v, vars)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", k, err)
		}
		headers[k] = rendered
	}
	body := ""
	if step.Body != nil {
		body, err = substitute(*step.Body, vars)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
	}
	return &probe.Target{
		Protocol: model.ProtocolHTTP,
		URL:      url,
		Method:   step.Method,
		Headers:  headers,
		Body:     body,
	}, nil
}
