package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/internal/repository"
	"whendoist/pkg/trace"
)

// TaskStore is the task persistence the service writes.
type TaskStore interface {
	Insert(ctx context.Context, t *model.Task) (int64, error)
	Update(ctx context.Context, t *model.Task) error
	Delete(ctx context.Context, taskID, userID int64) error
	GetByID(ctx context.Context, taskID int64) (*model.Task, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Task, error)
}

// InstanceStore is the instance persistence the service uses for lifecycle
// transitions. TransitionStatus reports false when the guard did not match.
type InstanceStore interface {
	GetByID(ctx context.Context, instanceID int64) (*model.TaskInstance, error)
	GetOwner(ctx context.Context, instanceID int64) (int64, error)
	TransitionStatus(ctx context.Context, instanceID int64, from, to string, now time.Time) (bool, error)
	ListByTask(ctx context.Context, taskID int64) ([]*model.TaskInstance, error)
	ListPendingPastDue(ctx context.Context, userID int64, before time.Time) ([]*model.TaskInstance, error)
}

// EventPublisher emits domain events to the exchange.
type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// BatchResult reports a batch completion item by item. Conflicted holds
// instances a concurrent actor already moved; their earlier outcome stands.
type BatchResult struct {
	Completed  []int64          `json:"completed"`
	Conflicted []int64          `json:"conflicted"`
	Failed     map[int64]string `json:"failed,omitempty"`
}

// TaskService owns task CRUD and the instance lifecycle. Instance mutations
// go through guarded transitions so concurrent completes and skips resolve
// deterministically without losing either actor's intent.
type TaskService struct {
	tasks     TaskStore
	instances InstanceStore
	publisher EventPublisher
	logger    *zap.Logger
}

func NewTaskService(tasks TaskStore, instances InstanceStore, publisher EventPublisher, logger *zap.Logger) *TaskService {
	return &TaskService{
		tasks:     tasks,
		instances: instances,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateTask validates and stores a new task, then announces it so the
// worker materializes its window.
func (s *TaskService) CreateTask(ctx context.Context, t *model.Task, now time.Time) error {
	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if t.Recurrence != nil {
		if t.Recurrence.StartDate.IsZero() {
			t.Recurrence.StartDate = recurrence.Date(now)
		}
		if err := t.Recurrence.Validate(); err != nil {
			return err
		}
	}
	t.Status = model.TaskStatusPending

	if _, err := s.tasks.Insert(ctx, t); err != nil {
		return err
	}
	s.publishTaskChanged(ctx, t.ID, t.UserID)
	return nil
}

// UpdateTask applies an edit under ownership check. A recurring task can
// never sit in completed state; completion belongs to its instances.
func (s *TaskService) UpdateTask(ctx context.Context, t *model.Task) error {
	existing, err := s.tasks.GetByID(ctx, t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if existing.UserID != t.UserID {
		return repository.ErrNotFound
	}

	if t.Recurrence != nil {
		if t.Recurrence.StartDate.IsZero() {
			t.Recurrence.StartDate = recurrence.Date(existing.CreatedAt)
		}
		if err := t.Recurrence.Validate(); err != nil {
			return err
		}
		t.Status = model.TaskStatusPending
	}

	if err := s.tasks.Update(ctx, t); err != nil {
		return err
	}
	s.publishTaskChanged(ctx, t.ID, t.UserID)
	return nil
}

// DeleteTask removes a task. Instance rows cascade in the database; the
// worker cleans up any external calendar events from the deletion event.
func (s *TaskService) DeleteTask(ctx context.Context, taskID, userID int64) error {
	if err := s.tasks.Delete(ctx, taskID, userID); err != nil {
		return err
	}

	payload := mqcontracts.TaskDeletedPayload{
		TaskID:  taskID,
		UserID:  userID,
		TraceID: trace.FromContext(ctx),
	}
	if err := s.publisher.PublishWithContext(ctx, mqcontracts.TaskDeletedKey, payload); err != nil {
		s.logger.Error("Failed to publish task.deleted",
			zap.Int64("task_id", taskID),
			zap.Error(err),
		)
	}
	return nil
}

func (s *TaskService) GetTask(ctx context.Context, taskID, userID int64) (*model.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (s *TaskService) ListTasks(ctx context.Context, userID int64) ([]*model.Task, error) {
	return s.tasks.ListByUser(ctx, userID)
}

func (s *TaskService) ListInstances(ctx context.Context, taskID, userID int64) ([]*model.TaskInstance, error) {
	if _, err := s.GetTask(ctx, taskID, userID); err != nil {
		return nil, err
	}
	return s.instances.ListByTask(ctx, taskID)
}

// ListOverdue returns the user's pending instances dated before today.
// Overdue instances stay pending indefinitely; nothing auto-expires them.
func (s *TaskService) ListOverdue(ctx context.Context, userID int64, now time.Time) ([]*model.TaskInstance, error) {
	return s.instances.ListPendingPastDue(ctx, userID, recurrence.Date(now))
}

// CompleteTask completes a one-off task. Recurring tasks are rejected; only
// their instances complete.
func (s *TaskService) CompleteTask(ctx context.Context, taskID, userID int64, now time.Time) error {
	t, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if t.IsRecurring() {
		return ErrRecurringTask
	}

	t.Status = model.TaskStatusCompleted
	if err := s.tasks.Update(ctx, t); err != nil {
		return err
	}
	s.publishTaskChanged(ctx, t.ID, t.UserID)
	return nil
}

// CompleteInstance moves a pending instance to completed. ErrConflict means
// another actor got there first (completed or skipped it); that outcome is
// kept.
func (s *TaskService) CompleteInstance(ctx context.Context, instanceID, userID int64, now time.Time) error {
	return s.transition(ctx, instanceID, userID, model.InstanceStatusPending, model.InstanceStatusCompleted, now)
}

// SkipInstance marks a pending instance skipped: done with deliberately,
// distinct from completed, and excluded from calendar sync.
func (s *TaskService) SkipInstance(ctx context.Context, instanceID, userID int64, now time.Time) error {
	return s.transition(ctx, instanceID, userID, model.InstanceStatusPending, model.InstanceStatusSkipped, now)
}

// ReopenInstance moves a completed instance back to pending.
func (s *TaskService) ReopenInstance(ctx context.Context, instanceID, userID int64, now time.Time) error {
	return s.transition(ctx, instanceID, userID, model.InstanceStatusCompleted, model.InstanceStatusPending, now)
}

// UnskipInstance moves a skipped instance back to pending.
func (s *TaskService) UnskipInstance(ctx context.Context, instanceID, userID int64, now time.Time) error {
	return s.transition(ctx, instanceID, userID, model.InstanceStatusSkipped, model.InstanceStatusPending, now)
}

func (s *TaskService) transition(ctx context.Context, instanceID, userID int64, from, to string, now time.Time) error {
	owner, err := s.instances.GetOwner(ctx, instanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return repository.ErrNotFound
	}

	ok, err := s.instances.TransitionStatus(ctx, instanceID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// BatchComplete completes a set of instances, each independently. One
// conflicted or failing item never aborts the rest; the result says exactly
// what happened to each id.
func (s *TaskService) BatchComplete(ctx context.Context, userID int64, instanceIDs []int64, now time.Time) *BatchResult {
	result := &BatchResult{Failed: make(map[int64]string)}

	for _, id := range instanceIDs {
		err := s.CompleteInstance(ctx, id, userID, now)
		switch {
		case err == nil:
			result.Completed = append(result.Completed, id)
		case errors.Is(err, ErrConflict):
			result.Conflicted = append(result.Conflicted, id)
		default:
			result.Failed[id] = err.Error()
			s.logger.Warn("Batch complete item failed",
				zap.Int64("instance_id", id),
				zap.Error(err),
			)
		}
	}

	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result
}

func (s *TaskService) publishTaskChanged(ctx context.Context, taskID, userID int64) {
	payload := mqcontracts.TaskChangedPayload{
		TaskID:  taskID,
		UserID:  userID,
		TraceID: trace.FromContext(ctx),
	}
	if err := s.publisher.PublishWithContext(ctx, mqcontracts.TaskChangedKey, payload); err != nil {
		// Periodic materialization and reconcile cover a lost event.
		s.logger.Error("Failed to publish task.changed",
			zap.Int64("task_id", taskID),
			zap.Error(err),
		)
	}
}
