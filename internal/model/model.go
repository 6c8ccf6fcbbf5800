// Package model defines the persistent entities of the CronBox scheduling
// engine: tasks, chains, monitors, executions, and the overlap queue.
package model

// Protocol is the probe protocol of a task.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolICMP Protocol = "icmp"
	ProtocolTCP  Protocol = "tcp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolICMP, ProtocolTCP:
		return true
	}
	return false
}

// OverlapPolicy resolves concurrent firings of the same entity.
type OverlapPolicy string

const (
	OverlapAllow OverlapPolicy = "allow"
	OverlapSkip  OverlapPolicy = "skip"
	OverlapQueue OverlapPolicy = "queue"
)

// Valid reports whether p is a known overlap policy.
func (p OverlapPolicy) Valid() bool {
	switch p {
	case OverlapAllow, OverlapSkip, OverlapQueue:
		return true
	}
	return false
}

// TaskType distinguishes dispatchable entity kinds in executions and queues.
type TaskType string

const (
	TaskTypeCron    TaskType = "cron"
	TaskTypeDelayed TaskType = "delayed"
	TaskTypeChain   TaskType = "chain"
)

// DelayedStatus is the lifecycle state of a DelayedTask.
type DelayedStatus string

const (
	DelayedPending   DelayedStatus = "pending"
	DelayedRunning   DelayedStatus = "running"
	DelayedSuccess   DelayedStatus = "success"
	DelayedFailed    DelayedStatus = "failed"
	DelayedCancelled DelayedStatus = "cancelled"
)

// ExecutionStatus is the state of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ChainStatus is the final state of a chain execution.
type ChainStatus string

const (
	ChainRunning ChainStatus = "running"
	ChainSuccess ChainStatus = "success"
	ChainFailed  ChainStatus = "failed"
	ChainPartial ChainStatus = "partial"
)

// StepStatus is the recorded outcome of one chain step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// TriggerType is how a chain gets fired.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerDelayed TriggerType = "delayed"
)

// HeartbeatStatus is the liveness state of a heartbeat.
type HeartbeatStatus string

const (
	HeartbeatWaiting HeartbeatStatus = "waiting"
	HeartbeatHealthy HeartbeatStatus = "healthy"
	HeartbeatLate    HeartbeatStatus = "late"
	HeartbeatDead    HeartbeatStatus = "dead"
	HeartbeatPaused  HeartbeatStatus = "paused"
)

// MonitorStatus is the state of a process monitor.
type MonitorStatus string

const (
	MonitorWaitingStart MonitorStatus = "waiting_start"
	MonitorRunning      MonitorStatus = "running"
	MonitorMissedStart  MonitorStatus = "missed_start"
	MonitorMissedEnd    MonitorStatus = "missed_end"
	MonitorPaused       MonitorStatus = "paused"
)

// ScheduleType is how a process monitor's expected start is computed.
type ScheduleType string

const (
	ScheduleCron      ScheduleType = "cron"
	ScheduleInterval  ScheduleType = "interval"
	ScheduleExactTime ScheduleType = "exact_time"
)

// ConcurrencyPolicy resolves a start-ping arriving while a run is open.
type ConcurrencyPolicy string

const (
	ConcurrencySkip    ConcurrencyPolicy = "skip"
	ConcurrencyReplace ConcurrencyPolicy = "replace"
)

// EventType classifies process monitor events.
type EventType string

const (
	EventStart   EventType = "start"
	EventEnd     EventType = "end"
	EventMissed  EventType = "missed"
	EventTimeout EventType = "timeout"
)

// ErrorKind classifies execution failures. Transient kinds are retried;
// permanent kinds are not.
type ErrorKind string

const (
	ErrKindSSRFBlocked  ErrorKind = "ssrf_blocked"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindRequestError ErrorKind = "request_error"
	ErrKindICMPError    ErrorKind = "icmp_error"
	ErrKindTCPError     ErrorKind = "tcp_error"
	ErrKindVariableSub  ErrorKind = "variable_substitution"
	ErrKindUnknown      ErrorKind = "unknown"
)

// Transient reports whether a failure of this kind should be retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrKindTimeout, ErrKindRequestError, ErrKindICMPError, ErrKindTCPError:
		return true
	}
	return false
}

// HTTP methods allowed on tasks and chain steps.
var AllowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}
