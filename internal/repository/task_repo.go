package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"whendoist/internal/model"
	"whendoist/internal/recurrence"
)

type TaskRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTaskRepository(db *pgxpool.Pool, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

func marshalRecurrence(rule *recurrence.Rule) ([]byte, error) {
	if rule == nil {
		return nil, nil
	}
	return json.Marshal(rule)
}

func unmarshalRecurrence(raw []byte) (*recurrence.Rule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rule recurrence.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode recurrence rule: %w", err)
	}
	return &rule, nil
}

const taskColumns = `id, user_id, title, description, impact, duration_min, status,
       scheduled_date, scheduled_time, recurrence, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var rawRule []byte
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Description,
		&t.Impact,
		&t.DurationMin,
		&t.Status,
		&t.ScheduledDate,
		&t.ScheduledTime,
		&rawRule,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Recurrence, err = unmarshalRecurrence(rawRule); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepository) Insert(ctx context.Context, t *model.Task) (int64, error) {
	r.logger.Debug("Inserting task",
		zap.Int64("user_id", t.UserID),
		zap.String("title", t.Title),
		zap.Bool("recurring", t.IsRecurring()),
	)

	rawRule, err := marshalRecurrence(t.Recurrence)
	if err != nil {
		return 0, err
	}

	query := `
        INSERT INTO tasks (user_id, title, description, impact, duration_min, status,
                           scheduled_date, scheduled_time, recurrence)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at, updated_at
    `
	err = r.db.QueryRow(ctx, query,
		t.UserID,
		t.Title,
		t.Description,
		t.Impact,
		t.DurationMin,
		t.Status,
		t.ScheduledDate,
		t.ScheduledTime,
		rawRule,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		r.logger.Error("Failed to insert task", zap.Int64("user_id", t.UserID), zap.Error(err))
		return 0, err
	}

	r.logger.Info("Task inserted successfully",
		zap.Int64("task_id", t.ID),
		zap.Int64("user_id", t.UserID),
	)
	return t.ID, nil
}

func (r *TaskRepository) Update(ctx context.Context, t *model.Task) error {
	rawRule, err := marshalRecurrence(t.Recurrence)
	if err != nil {
		return err
	}

	query := `
        UPDATE tasks
        SET title = $1, description = $2, impact = $3, duration_min = $4, status = $5,
            scheduled_date = $6, scheduled_time = $7, recurrence = $8, updated_at = NOW()
        WHERE id = $9 AND user_id = $10
    `
	tag, err := r.db.Exec(ctx, query,
		t.Title,
		t.Description,
		t.Impact,
		t.DurationMin,
		t.Status,
		t.ScheduledDate,
		t.ScheduledTime,
		rawRule,
		t.ID,
		t.UserID,
	)
	if err != nil {
		r.logger.Error("Failed to update task", zap.Int64("task_id", t.ID), zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("Task updated", zap.Int64("task_id", t.ID))
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, taskID, userID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		r.logger.Error("Failed to delete task", zap.Int64("task_id", taskID), zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("Task deleted", zap.Int64("task_id", taskID))
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, taskID int64) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, taskID))
}

func (r *TaskRepository) ListByUser(ctx context.Context, userID int64) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to list tasks", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRecurring returns every task with a recurrence rule, across all users.
// The materializer walks this set on each pass.
func (r *TaskRepository) ListRecurring(ctx context.Context) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE recurrence IS NOT NULL ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list recurring tasks", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	r.logger.Debug("Listed recurring tasks", zap.Int("count", len(tasks)))
	return tasks, rows.Err()
}

// ListScheduledOneOff returns non-recurring tasks for one user that carry
// both a date and a time, i.e. the one-off tasks eligible for calendar sync.
func (r *TaskRepository) ListScheduledOneOff(ctx context.Context, userID int64) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + `
        FROM tasks
        WHERE user_id = $1
          AND recurrence IS NULL
          AND scheduled_date IS NOT NULL
          AND scheduled_time IS NOT NULL
        ORDER BY scheduled_date
    `

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
