// Package mq defines the event payloads exchanged between the API process
// and the worker over the events exchange.
package mq

const (
	// Routing keys.
	TaskChangedKey      = "task.changed"
	TaskDeletedKey      = "task.deleted"
	InstanceChangedKey  = "instance.changed"
	SyncRequestedKey    = "sync.requested"
	SyncDisabledKey     = "sync.disabled"
)

// TaskChangedPayload is published when a task is created or edited. The
// worker re-materializes the task's window and re-syncs the affected items.
type TaskChangedPayload struct {
	TaskID  int64  `json:"task_id"`
	UserID  int64  `json:"user_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// TaskDeletedPayload is published when a task is deleted. Instance rows are
// removed by cascade; the worker cleans up the external calendar events.
type TaskDeletedPayload struct {
	TaskID  int64  `json:"task_id"`
	UserID  int64  `json:"user_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// InstanceChangedPayload is published on any instance mutation (created,
// completed, skipped, reopened, rescheduled, deleted).
type InstanceChangedPayload struct {
	InstanceID int64  `json:"instance_id"`
	TaskID     int64  `json:"task_id"`
	UserID     int64  `json:"user_id"`
	Change     string `json:"change"`
	TraceID    string `json:"trace_id,omitempty"`
}

// SyncRequestedPayload asks the worker for a full bulk sync of one user.
type SyncRequestedPayload struct {
	UserID  int64  `json:"user_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// SyncDisabledPayload is published when a user disconnects the calendar.
type SyncDisabledPayload struct {
	UserID       int64  `json:"user_id"`
	DeleteEvents bool   `json:"delete_events"`
	TraceID      string `json:"trace_id,omitempty"`
}
