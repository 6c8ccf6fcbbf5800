package model

import (
	"time"

	"github.com/google/uuid"
)

// Execution is the audit record of one probe attempt of a cron or delayed
// task. Protocol-specific fields are null for the other protocols.
type Execution struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	TaskType    TaskType  `db:"task_type" json:"task_type"`
	TaskID      uuid.UUID `db:"task_id" json:"task_id"`

	RetryAttempt int             `db:"retry_attempt" json:"retry_attempt"`
	Status       ExecutionStatus `db:"status" json:"status"`

	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMs *int64     `db:"duration_ms" json:"duration_ms,omitempty"`

	// http
	StatusCode      *int      `db:"status_code" json:"status_code,omitempty"`
	ResponseHeaders StringMap `db:"response_headers" json:"response_headers,omitempty"`
	ResponseBody    *string   `db:"response_body" json:"response_body,omitempty"`
	ResponseSize    *int64    `db:"response_size" json:"response_size,omitempty"`

	// icmp
	PacketsSent     *int     `db:"packets_sent" json:"packets_sent,omitempty"`
	PacketsReceived *int     `db:"packets_received" json:"packets_received,omitempty"`
	PacketLossPct   *float64 `db:"packet_loss_pct" json:"packet_loss_pct,omitempty"`
	MinRTTMs        *float64 `db:"min_rtt_ms" json:"min_rtt_ms,omitempty"`
	AvgRTTMs        *float64 `db:"avg_rtt_ms" json:"avg_rtt_ms,omitempty"`
	MaxRTTMs        *float64 `db:"max_rtt_ms" json:"max_rtt_ms,omitempty"`

	// tcp
	ConnectTimeMs *float64 `db:"connect_time_ms" json:"connect_time_ms,omitempty"`

	ErrorKind    *ErrorKind `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// ChainExecution is the audit record of one chain run.
type ChainExecution struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	ChainID     uuid.UUID `db:"chain_id" json:"chain_id"`

	Status      ChainStatus `db:"status" json:"status"`
	TriggerType TriggerType `db:"trigger_type" json:"trigger_type"`

	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMs *int64     `db:"duration_ms" json:"duration_ms,omitempty"`

	CompletedSteps int `db:"completed_steps" json:"completed_steps"`
	FailedSteps    int `db:"failed_steps" json:"failed_steps"`
	SkippedSteps   int `db:"skipped_steps" json:"skipped_steps"`

	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`
}

// StepExecution is the audit record of one step inside a chain run.
type StepExecution struct {
	ID               uuid.UUID `db:"id" json:"id"`
	ChainExecutionID uuid.UUID `db:"chain_execution_id" json:"chain_execution_id"`
	StepID           uuid.UUID `db:"step_id" json:"step_id"`
	StepOrder        int       `db:"step_order" json:"step_order"`

	Status StepStatus `db:"status" json:"status"`

	RequestURL    *string `db:"request_url" json:"request_url,omitempty"`
	RequestMethod *string `db:"request_method" json:"request_method,omitempty"`

	StatusCode   *int    `db:"status_code" json:"status_code,omitempty"`
	ResponseBody *string `db:"response_body" json:"response_body,omitempty"`

	ExtractedVariables AnyMap  `db:"extracted_variables" json:"extracted_variables,omitempty"`
	ConditionDetails   *string `db:"condition_details" json:"condition_details,omitempty"`

	RetryAttempts int `db:"retry_attempts" json:"retry_attempts"`

	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMs *int64     `db:"duration_ms" json:"duration_ms,omitempty"`

	ErrorKind    *ErrorKind `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// TaskRef identifies a dispatchable entity across task kinds.
type TaskRef struct {
	Type TaskType
	ID   uuid.UUID
}

// OverlapQueueEntry is one waiting dispatch in an entity's FIFO overlap
// queue.
type OverlapQueueEntry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	TaskType    TaskType  `db:"task_type" json:"task_type"`
	TaskID      uuid.UUID `db:"task_id" json:"task_id"`

	EnqueuedAt       time.Time `db:"enqueued_at" json:"enqueued_at"`
	RetryAttempt     int       `db:"retry_attempt" json:"retry_attempt"`
	InitialVariables AnyMap    `db:"initial_variables" json:"initial_variables,omitempty"`
}
