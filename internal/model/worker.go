package model

// WorkerTaskInfo is the wire payload delivered to an external worker that
// long-polls its queue. Only http tasks are dispatched to external workers.
type WorkerTaskInfo struct {
	TaskID            string            `json:"task_id"`
	TaskType          TaskType          `json:"task_type"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              string            `json:"body,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	RetryCount        int               `json:"retry_count"`
	RetryDelaySeconds int               `json:"retry_delay_seconds"`
	WorkspaceID       string            `json:"workspace_id"`
	TaskName          string            `json:"task_name"`
}

// WorkerResult is what an external worker reports back after running a task.
type WorkerResult struct {
	TaskID       string   `json:"task_id"`
	TaskType     TaskType `json:"task_type"`
	Success      bool     `json:"success"`
	StatusCode   *int     `json:"status_code,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
	ResponseBody string   `json:"response_body,omitempty"`
	Error        string   `json:"error,omitempty"`
}
