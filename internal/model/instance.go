package model

import "time"

const (
	InstanceStatusPending   = "pending"
	InstanceStatusCompleted = "completed"
	InstanceStatusSkipped   = "skipped"
)

// TaskInstance is one materialized occurrence of a recurring task for one
// calendar date. At most one instance exists per (task, date) pair.
type TaskInstance struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	DueDate     time.Time  `json:"due_date"` // civil date at midnight UTC
	DueTime     *string    `json:"due_time,omitempty"` // "15:04", resolved at materialization
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StartAt combines the due date with the due time. Returns false when the
// instance has no time of day.
func (i *TaskInstance) StartAt(loc *time.Location) (time.Time, bool) {
	if i.DueTime == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("15:04", *i.DueTime)
	if err != nil {
		return time.Time{}, false
	}
	d := i.DueDate
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
}
