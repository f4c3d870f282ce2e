package model

import "time"

const (
	SyncRecordActive = "active"
	SyncRecordFailed = "failed"
)

// CalendarEventSync maps one instance (or one-off task) to one external
// calendar event, with the content hash of the last synced payload. TaskID
// is always set; InstanceID only for instance-level records. Instance rows
// cascade away on task deletion, so the task id is what lets the cleanup
// find the events afterwards.
type CalendarEventSync struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	TaskID      *int64    `json:"task_id,omitempty"`
	InstanceID  *int64    `json:"instance_id,omitempty"`
	EventID     string    `json:"event_id"`
	ContentHash string    `json:"content_hash"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}
