package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Heartbeat is a passive liveness monitor fed by inbound pings.
type Heartbeat struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`

	ExpectedIntervalSeconds int `db:"expected_interval_seconds" json:"expected_interval_seconds"`
	GracePeriodSeconds      int `db:"grace_period_seconds" json:"grace_period_seconds"`

	PingToken string `db:"ping_token" json:"ping_token"`

	Status            HeartbeatStatus `db:"status" json:"status"`
	LastPingAt        *time.Time      `db:"last_ping_at" json:"last_ping_at,omitempty"`
	ConsecutiveMisses int             `db:"consecutive_misses" json:"consecutive_misses"`

	NotifyOnFailure  bool `db:"notify_on_failure" json:"notify_on_failure"`
	NotifyOnRecovery bool `db:"notify_on_recovery" json:"notify_on_recovery"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ExpectedInterval returns the interval pings are expected at.
func (h *Heartbeat) ExpectedInterval() time.Duration {
	return time.Duration(h.ExpectedIntervalSeconds) * time.Second
}

// GracePeriod returns the slack allowed past the expected interval.
func (h *Heartbeat) GracePeriod() time.Duration {
	return time.Duration(h.GracePeriodSeconds) * time.Second
}

// Validate checks heartbeat requirements.
func (h *Heartbeat) Validate() error {
	if h.ExpectedIntervalSeconds < 60 {
		return fmt.Errorf("expected_interval_seconds must be at least 60, got %d", h.ExpectedIntervalSeconds)
	}
	if h.GracePeriodSeconds < 0 {
		return fmt.Errorf("grace_period_seconds must not be negative, got %d", h.GracePeriodSeconds)
	}
	return nil
}

// HeartbeatPing is one recorded inbound ping. History is capped per heartbeat;
// older rows are pruned on insert.
type HeartbeatPing struct {
	ID          uuid.UUID `db:"id" json:"id"`
	HeartbeatID uuid.UUID `db:"heartbeat_id" json:"heartbeat_id"`
	ReceivedAt  time.Time `db:"received_at" json:"received_at"`
	SourceIP    *string   `db:"source_ip" json:"source_ip,omitempty"`
}

// ProcessMonitor tracks an external job via paired start/end pings against a
// schedule-derived deadline.
type ProcessMonitor struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`

	ScheduleType    ScheduleType `db:"schedule_type" json:"schedule_type"`
	CronExpression  *string      `db:"cron_expression" json:"cron_expression,omitempty"`
	IntervalSeconds *int         `db:"interval_seconds" json:"interval_seconds,omitempty"`
	ExactTime       *string      `db:"exact_time" json:"exact_time,omitempty"`
	Timezone        string       `db:"timezone" json:"timezone"`

	StartGracePeriodSeconds int `db:"start_grace_period_seconds" json:"start_grace_period_seconds"`
	EndTimeoutSeconds       int `db:"end_timeout_seconds" json:"end_timeout_seconds"`

	StartToken string `db:"start_token" json:"start_token"`
	EndToken   string `db:"end_token" json:"end_token"`

	ConcurrencyPolicy ConcurrencyPolicy `db:"concurrency_policy" json:"concurrency_policy"`

	NotifyOnMissedStart bool `db:"notify_on_missed_start" json:"notify_on_missed_start"`
	NotifyOnMissedEnd   bool `db:"notify_on_missed_end" json:"notify_on_missed_end"`
	NotifyOnRecovery    bool `db:"notify_on_recovery" json:"notify_on_recovery"`
	NotifyOnSuccess     bool `db:"notify_on_success" json:"notify_on_success"`

	Status       MonitorStatus `db:"status" json:"status"`
	CurrentRunID uuid.NullUUID `db:"current_run_id" json:"current_run_id,omitempty"`

	LastStartAt       *time.Time `db:"last_start_at" json:"last_start_at,omitempty"`
	NextExpectedStart *time.Time `db:"next_expected_start" json:"next_expected_start,omitempty"`
	StartDeadline     *time.Time `db:"start_deadline" json:"start_deadline,omitempty"`
	EndDeadline       *time.Time `db:"end_deadline" json:"end_deadline,omitempty"`

	TotalRuns     int64 `db:"total_runs" json:"total_runs"`
	TotalFailures int64 `db:"total_failures" json:"total_failures"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StartGracePeriod returns the slack allowed after the expected start.
func (m *ProcessMonitor) StartGracePeriod() time.Duration {
	return time.Duration(m.StartGracePeriodSeconds) * time.Second
}

// EndTimeout returns how long a run may stay open before it times out.
func (m *ProcessMonitor) EndTimeout() time.Duration {
	return time.Duration(m.EndTimeoutSeconds) * time.Second
}

// Validate checks schedule-specific requirements.
func (m *ProcessMonitor) Validate() error {
	switch m.ScheduleType {
	case ScheduleCron:
		if m.CronExpression == nil || *m.CronExpression == "" {
			return fmt.Errorf("cron_expression is required for cron schedule")
		}
	case ScheduleInterval:
		if m.IntervalSeconds == nil || *m.IntervalSeconds < 60 {
			return fmt.Errorf("interval_seconds must be at least 60")
		}
	case ScheduleExactTime:
		if m.ExactTime == nil {
			return fmt.Errorf("exact_time is required for exact_time schedule")
		}
		if _, err := time.Parse("15:04", *m.ExactTime); err != nil {
			return fmt.Errorf("exact_time must be HH:MM, got %q", *m.ExactTime)
		}
	default:
		return fmt.Errorf("unknown schedule_type %q", m.ScheduleType)
	}
	if m.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	switch m.ConcurrencyPolicy {
	case ConcurrencySkip, ConcurrencyReplace:
	default:
		return fmt.Errorf("unknown concurrency_policy %q", m.ConcurrencyPolicy)
	}
	if m.StartGracePeriodSeconds < 0 {
		return fmt.Errorf("start_grace_period_seconds must not be negative")
	}
	if m.EndTimeoutSeconds < 1 {
		return fmt.Errorf("end_timeout_seconds must be positive")
	}
	return nil
}

// ProcessMonitorEvent is one entry in a monitor's append-only event log.
// Only the most recent 100 events per monitor are kept.
type ProcessMonitorEvent struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	MonitorID uuid.UUID     `db:"monitor_id" json:"monitor_id"`
	RunID     uuid.NullUUID `db:"run_id" json:"run_id,omitempty"`
	EventType EventType     `db:"event_type" json:"event_type"`
	Payload   AnyMap        `db:"payload" json:"payload,omitempty"`
	SourceIP  *string       `db:"source_ip" json:"source_ip,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}
