package model

import (
	"time"

	"whendoist/internal/recurrence"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
)

const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

// Task is a user-owned unit of work. A recurring task (Recurrence != nil)
// never completes itself; only its instances do.
type Task struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Impact        string           `json:"impact"`
	DurationMin   int              `json:"duration_min"`
	Status        string           `json:"status"`
	ScheduledDate *time.Time       `json:"scheduled_date,omitempty"`
	ScheduledTime *string          `json:"scheduled_time,omitempty"` // "15:04"
	Recurrence    *recurrence.Rule `json:"recurrence,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (t *Task) IsRecurring() bool {
	return t.Recurrence != nil
}
