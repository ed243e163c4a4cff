package messagequeue

// AssignmentPayload is the schema for tasks.assign.{worker_type} messages.
// It carries everything a worker needs to execute one attempt.
type AssignmentPayload struct {
	AssignmentID string         `json:"assignment_id"`
	TaskID       string         `json:"task_id"`
	WorkerID     string         `json:"worker_id"`
	Description  string         `json:"description"`
	Type         string         `json:"type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ContextData  string         `json:"context_data,omitempty"`
	Attempt      int            `json:"attempt"`
}

// TaskStartedPayload is the schema for tasks.started messages.
type TaskStartedPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// TaskResultPayload is the schema for tasks.result messages.
type TaskResultPayload struct {
	TaskID     string  `json:"task_id"`
	WorkerID   string  `json:"worker_id"`
	Success    bool    `json:"success"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// TaskCancelPayload is the schema for tasks.cancel messages.
type TaskCancelPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// WorkerHeartbeatPayload is the schema for workers.heartbeat messages.
type WorkerHeartbeatPayload struct {
	WorkerID string `json:"worker_id"`
	Load     int    `json:"load"`
}
