package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CronTask is a repeating probe scheduled by a cron expression.
type CronTask struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`

	Protocol Protocol `db:"protocol" json:"protocol"`

	// http
	URL     *string   `db:"url" json:"url,omitempty"`
	Method  *string   `db:"method" json:"method,omitempty"`
	Headers StringMap `db:"headers" json:"headers,omitempty"`
	Body    *string   `db:"body" json:"body,omitempty"`

	// icmp / tcp
	Host      *string `db:"host" json:"host,omitempty"`
	ICMPCount *int    `db:"icmp_count" json:"icmp_count,omitempty"`
	Port      *int    `db:"port" json:"port,omitempty"`

	CronExpression string `db:"cron_expression" json:"cron_expression"`
	Timezone       string `db:"timezone" json:"timezone"`

	TimeoutSeconds    int `db:"timeout_seconds" json:"timeout_seconds"`
	RetryCount        int `db:"retry_count" json:"retry_count"`
	RetryDelaySeconds int `db:"retry_delay_seconds" json:"retry_delay_seconds"`

	OverlapPolicy           OverlapPolicy `db:"overlap_policy" json:"overlap_policy"`
	MaxInstances            int           `db:"max_instances" json:"max_instances"`
	MaxQueueSize            int           `db:"max_queue_size" json:"max_queue_size"`
	ExecutionTimeoutSeconds *int          `db:"execution_timeout_seconds" json:"execution_timeout_seconds,omitempty"`
	RunningInstances        int           `db:"running_instances" json:"running_instances"`

	// Dispatch target. Empty means the local executor pool.
	WorkerID *string `db:"worker_id" json:"worker_id,omitempty"`

	IsActive bool `db:"is_active" json:"is_active"`
	IsPaused bool `db:"is_paused" json:"is_paused"`

	LastRunAt           *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastStatus          *string    `db:"last_status" json:"last_status,omitempty"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	TotalRuns           int64      `db:"total_runs" json:"total_runs"`
	TotalFailures       int64      `db:"total_failures" json:"total_failures"`

	NotifyOnFailure  bool `db:"notify_on_failure" json:"notify_on_failure"`
	NotifyOnSuccess  bool `db:"notify_on_success" json:"notify_on_success"`
	NotifyOnRecovery bool `db:"notify_on_recovery" json:"notify_on_recovery"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Timeout returns the per-probe timeout.
func (t *CronTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between retry attempts.
func (t *CronTask) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

// Validate checks protocol-specific requirements and value ranges.
func (t *CronTask) Validate() error {
	if !t.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	if err := validateProbeTarget(t.Protocol, t.URL, t.Method, t.Host, t.ICMPCount, t.Port); err != nil {
		return err
	}
	if t.CronExpression == "" {
		return fmt.Errorf("cron_expression is required")
	}
	if t.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	if err := validateExecutionParams(t.TimeoutSeconds, t.RetryCount, t.RetryDelaySeconds); err != nil {
		return err
	}
	if !t.OverlapPolicy.Valid() {
		return fmt.Errorf("unknown overlap_policy %q", t.OverlapPolicy)
	}
	if t.MaxInstances < 1 {
		return fmt.Errorf("max_instances must be at least 1, got %d", t.MaxInstances)
	}
	if t.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must not be negative, got %d", t.MaxQueueSize)
	}
	return nil
}

// DelayedTask is a one-shot probe fired at execute_at.
type DelayedTask struct {
	ID          uuid.UUID `db:"id" json:"id"`
	WorkspaceID uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Name        string    `db:"name" json:"name"`

	Protocol Protocol `db:"protocol" json:"protocol"`

	URL     *string   `db:"url" json:"url,omitempty"`
	Method  *string   `db:"method" json:"method,omitempty"`
	Headers StringMap `db:"headers" json:"headers,omitempty"`
	Body    *string   `db:"body" json:"body,omitempty"`

	Host      *string `db:"host" json:"host,omitempty"`
	ICMPCount *int    `db:"icmp_count" json:"icmp_count,omitempty"`
	Port      *int    `db:"port" json:"port,omitempty"`

	ExecuteAt time.Time     `db:"execute_at" json:"execute_at"`
	Status    DelayedStatus `db:"status" json:"status"`

	// Unique per workspace when set; lets API clients create-once safely.
	IdempotencyKey *string `db:"idempotency_key" json:"idempotency_key,omitempty"`

	TimeoutSeconds    int `db:"timeout_seconds" json:"timeout_seconds"`
	RetryCount        int `db:"retry_count" json:"retry_count"`
	RetryDelaySeconds int `db:"retry_delay_seconds" json:"retry_delay_seconds"`
	RetryAttempt      int `db:"retry_attempt" json:"retry_attempt"`

	OverlapPolicy           OverlapPolicy `db:"overlap_policy" json:"overlap_policy"`
	MaxInstances            int           `db:"max_instances" json:"max_instances"`
	MaxQueueSize            int           `db:"max_queue_size" json:"max_queue_size"`
	ExecutionTimeoutSeconds *int          `db:"execution_timeout_seconds" json:"execution_timeout_seconds,omitempty"`
	RunningInstances        int           `db:"running_instances" json:"running_instances"`

	WorkerID *string `db:"worker_id" json:"worker_id,omitempty"`

	LastRunAt *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`

	NotifyOnFailure bool `db:"notify_on_failure" json:"notify_on_failure"`
	NotifyOnSuccess bool `db:"notify_on_success" json:"notify_on_success"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Timeout returns the per-probe timeout.
func (t *DelayedTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between retry attempts.
func (t *DelayedTask) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

// Validate checks protocol-specific requirements and value ranges.
func (t *DelayedTask) Validate() error {
	if !t.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	if err := validateProbeTarget(t.Protocol, t.URL, t.Method, t.Host, t.ICMPCount, t.Port); err != nil {
		return err
	}
	if t.ExecuteAt.IsZero() {
		return fmt.Errorf("execute_at is required")
	}
	if err := validateExecutionParams(t.TimeoutSeconds, t.RetryCount, t.RetryDelaySeconds); err != nil {
		return err
	}
	if !t.OverlapPolicy.Valid() {
		return fmt.Errorf("unknown overlap_policy %q", t.OverlapPolicy)
	}
	return nil
}

func validateProbeTarget(p Protocol, url, method, host *string, icmpCount, port *int) error {
	switch p {
	case ProtocolHTTP:
		if url == nil || *url == "" {
			return fmt.Errorf("url is required for http protocol")
		}
		if method != nil && !AllowedMethods[*method] {
			return fmt.Errorf("unsupported http method %q", *method)
		}
	case ProtocolICMP:
		if host == nil || *host == "" {
			return fmt.Errorf("host is required for icmp protocol")
		}
		if icmpCount != nil && (*icmpCount < 1 || *icmpCount > 10) {
			return fmt.Errorf("icmp count must be 1..10, got %d", *icmpCount)
		}
	case ProtocolTCP:
		if host == nil || *host == "" {
			return fmt.Errorf("host is required for tcp protocol")
		}
		if port == nil || *port < 1 || *port > 65535 {
			return fmt.Errorf("tcp port must be 1..65535")
		}
	}
	return nil
}

func validateExecutionParams(timeoutSeconds, retryCount, retryDelaySeconds int) error {
	if timeoutSeconds < 1 || timeoutSeconds > 300 {
		return fmt.Errorf("timeout_seconds must be 1..300, got %d", timeoutSeconds)
	}
	if retryCount < 0 || retryCount > 10 {
		return fmt.Errorf("retry_count must be 0..10, got %d", retryCount)
	}
	if retryCount > 0 && (retryDelaySeconds < 10 || retryDelaySeconds > 3600) {
		return fmt.Errorf("retry_delay_seconds must be 10..3600, got %d", retryDelaySeconds)
	}
	return nil
}
