package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/pkg/metrics"
)

// MaterializerTaskStore is the task persistence the materializer reads.
type MaterializerTaskStore interface {
	ListRecurring(ctx context.Context) ([]*model.Task, error)
	GetByID(ctx context.Context, taskID int64) (*model.Task, error)
}

// MaterializerInstanceStore is the instance persistence the materializer
// writes. InsertPending reports whether a row was actually created.
type MaterializerInstanceStore interface {
	ListByTaskInWindow(ctx context.Context, taskID int64, from, to time.Time) ([]*model.TaskInstance, error)
	InsertPending(ctx context.Context, userID, taskID int64, dueDate time.Time, dueTime *string) (bool, error)
	UpdatePendingDueTime(ctx context.Context, taskID int64, dueTime *string, from, to time.Time) (int64, error)
	DeleteStalePending(ctx context.Context, taskID int64, keep []time.Time, from, to time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Materializer turns recurrence rules into concrete pending instances over
// a rolling window. Runs are idempotent: existing rows, whatever their
// status, are left alone, so completed and skipped history survives any
// number of passes and any rule edit.
type Materializer struct {
	tasks         MaterializerTaskStore
	instances     MaterializerInstanceStore
	windowDays    int
	retentionDays int
	logger        *zap.Logger
}

func NewMaterializer(tasks MaterializerTaskStore, instances MaterializerInstanceStore, windowDays, retentionDays int, logger *zap.Logger) *Materializer {
	return &Materializer{
		tasks:         tasks,
		instances:     instances,
		windowDays:    windowDays,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// MaterializeAll runs one pass over every recurring task. A failing task is
// logged and skipped; one bad rule never blocks the rest.
func (m *Materializer) MaterializeAll(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() {
		metrics.RecordMaterializerRun("cron", time.Since(start))
	}()

	tasks, err := m.tasks.ListRecurring(ctx)
	if err != nil {
		return fmt.Errorf("failed to list recurring tasks: %w", err)
	}

	var failed int
	for _, task := range tasks {
		if err := m.MaterializeTask(ctx, task, now); err != nil {
			failed++
			m.logger.Error("Failed to materialize task",
				zap.Int64("task_id", task.ID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Materializer pass finished",
		zap.Int("tasks", len(tasks)),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("materializer: %d of %d tasks failed", failed, len(tasks))
	}
	return nil
}

// MaterializeByTaskID materializes one task by id, typically in response to
// a task.changed event. A task that no longer exists, or whose rule was
// removed, has its future pending instances cleaned up.
func (m *Materializer) MaterializeByTaskID(ctx context.Context, taskID int64, now time.Time) error {
	start := time.Now()
	defer func() {
		metrics.RecordMaterializerRun("task_changed", time.Since(start))
	}()

	task, err := m.tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between event and consumption; instance rows went with it.
		m.logger.Debug("Task gone before materialization", zap.Int64("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}

	if !task.IsRecurring() {
		// Rule removed: drop the not-yet-occurred pending instances, keep
		// the completed/skipped history.
		from, to := m.window(now)
		deleted, err := m.instances.DeleteStalePending(ctx, task.ID, []time.Time{}, from, to)
		if err != nil {
			return err
		}
		if deleted > 0 {
			m.logger.Info("Removed pending instances of de-recurred task",
				zap.Int64("task_id", task.ID),
				zap.Int64("deleted", deleted),
			)
		}
		return nil
	}

	return m.MaterializeTask(ctx, task, now)
}

// MaterializeTask brings one task's instance set in line with its rule over
// the window [today, today+windowDays].
func (m *Materializer) MaterializeTask(ctx context.Context, task *model.Task, now time.Time) error {
	rule := task.Recurrence
	if rule == nil {
		return nil
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	from, to := m.window(now)
	occurrences, err := recurrence.Occurrences(rule, from, to)
	if err != nil {
		return fmt.Errorf("failed to evaluate rule for task %d: %w", task.ID, err)
	}

	existing, err := m.instances.ListByTaskInWindow(ctx, task.ID, from, to)
	if err != nil {
		return err
	}
	have := make(map[time.Time]bool, len(existing))
	for _, inst := range existing {
		have[recurrence.Date(inst.DueDate)] = true
	}

	dueTime := recurrence.EffectiveTime(rule, task.ScheduledTime)

	// A rule edit that only moved the time of day leaves the date set
	// intact; existing pending rows must pick up the new time.
	retimed, err := m.instances.UpdatePendingDueTime(ctx, task.ID, dueTime, from, to)
	if err != nil {
		return err
	}

	var created int
	for _, date := range occurrences {
		if have[date] {
			continue
		}
		inserted, err := m.instances.InsertPending(ctx, task.UserID, task.ID, date, dueTime)
		if err != nil {
			return err
		}
		if inserted {
			created++
		}
	}
	if created > 0 {
		metrics.InstancesMaterialized.WithLabelValues(rule.Frequency).Add(float64(created))
	}

	// Rule edits can strand pending instances on dates the rule no longer
	// generates. Only pending rows inside the window are eligible.
	deleted, err := m.instances.DeleteStalePending(ctx, task.ID, occurrences, from, to)
	if err != nil {
		return err
	}

	if created > 0 || deleted > 0 || retimed > 0 {
		m.logger.Debug("Task materialized",
			zap.Int64("task_id", task.ID),
			zap.Int("created", created),
			zap.Int64("stale_deleted", deleted),
			zap.Int64("retimed", retimed),
		)
	}
	return nil
}

// Cleanup drops completed and skipped instances older than the retention
// horizon. Pending instances are kept at any age so overdue work stays
// visible.
func (m *Materializer) Cleanup(ctx context.Context, now time.Time) error {
	cutoff := recurrence.Date(now).AddDate(0, 0, -m.retentionDays)
	deleted, err := m.instances.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	m.logger.Info("Instance retention cleanup finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted),
	)
	return nil
}

func (m *Materializer) window(now time.Time) (time.Time, time.Time) {
	from := recurrence.Date(now)
	return from, from.AddDate(0, 0, m.windowDays)
}
