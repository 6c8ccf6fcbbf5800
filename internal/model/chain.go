package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskChain is an ordered list of HTTP steps executed as one unit.
type TaskChain struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`

	TriggerType    TriggerType `db:"trigger_type" json:"trigger_type"`
	CronExpression *string     `db:"cron_expression" json:"cron_expression,omitempty"`
	ExecuteAt      *time.Time  `db:"execute_at" json:"execute_at,omitempty"`
	Timezone       string      `db:"timezone" json:"timezone"`

	StopOnFailure bool `db:"stop_on_failure" json:"stop_on_failure"`

	OverlapPolicy           OverlapPolicy `db:"overlap_policy" json:"overlap_policy"`
	MaxInstances            int           `db:"max_instances" json:"max_instances"`
	MaxQueueSize            int           `db:"max_queue_size" json:"max_queue_size"`
	ExecutionTimeoutSeconds *int          `db:"execution_timeout_seconds" json:"execution_timeout_seconds,omitempty"`
	RunningInstances        int           `db:"running_instances" json:"running_instances"`

	NotifyOnFailure bool `db:"notify_on_failure" json:"notify_on_failure"`
	NotifyOnSuccess bool `db:"notify_on_success" json:"notify_on_success"`
	NotifyOnPartial bool `db:"notify_on_partial" json:"notify_on_partial"`

	IsActive bool `db:"is_active" json:"is_active"`
	IsPaused bool `db:"is_paused" json:"is_paused"`

	LastRunAt  *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastStatus *string    `db:"last_status" json:"last_status,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks trigger-specific requirements.
func (c *TaskChain) Validate() error {
	switch c.TriggerType {
	case TriggerManual:
	case TriggerCron:
		if c.CronExpression == nil || *c.CronExpression == "" {
			return fmt.Errorf("cron_expression is required for cron trigger")
		}
		if c.Timezone == "" {
			return fmt.Errorf("timezone is required for cron trigger")
		}
	case TriggerDelayed:
		if c.ExecuteAt == nil {
			return fmt.Errorf("execute_at is required for delayed trigger")
		}
	default:
		return fmt.Errorf("unknown trigger_type %q", c.TriggerType)
	}
	if !c.OverlapPolicy.Valid() {
		return fmt.Errorf("unknown overlap_policy %q", c.OverlapPolicy)
	}
	if c.MaxInstances < 1 {
		return fmt.Errorf("max_instances must be at least 1, got %d", c.MaxInstances)
	}
	return nil
}

// ChainStep is one HTTP request template inside a chain. Steps are dense and
// 0-based by StepOrder within their chain.
type ChainStep struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ChainID   uuid.UUID `db:"chain_id" json:"chain_id"`
	StepOrder int       `db:"step_order" json:"step_order"`
	Name      string    `db:"name" json:"name"`

	Method  string    `db:"method" json:"method"`
	URL     string    `db:"url" json:"url"`
	Headers StringMap `db:"headers" json:"headers,omitempty"`
	Body    *string   `db:"body" json:"body,omitempty"`

	TimeoutSeconds    int `db:"timeout_seconds" json:"timeout_seconds"`
	RetryCount        int `db:"retry_count" json:"retry_count"`
	RetryDelaySeconds int `db:"retry_delay_seconds" json:"retry_delay_seconds"`

	// ExtractVariables maps variable name to a JSONPath expression evaluated
	// against the step's response body.
	ExtractVariables StringMap `db:"extract_variables" json:"extract_variables,omitempty"`

	Condition Condition `db:"condition" json:"condition"`

	ContinueOnFailure bool `db:"continue_on_failure" json:"continue_on_failure"`
	IsEnabled         bool `db:"is_enabled" json:"is_enabled"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Timeout returns the per-step request timeout.
func (s *ChainStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between step retry attempts.
func (s *ChainStep) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// Validate checks step requirements.
func (s *ChainStep) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("step url is required")
	}
	if !AllowedMethods[s.Method] {
		return fmt.Errorf("unsupported step method %q", s.Method)
	}
	if s.StepOrder < 0 {
		return fmt.Errorf("step_order must not be negative, got %d", s.StepOrder)
	}
	return validateExecutionParams(s.TimeoutSeconds, s.RetryCount, s.RetryDelaySeconds)
}
