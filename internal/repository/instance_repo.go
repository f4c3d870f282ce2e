package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/model"
	"whendoist/pkg/outbox"
	"whendoist/pkg/trace"
)

type InstanceRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewInstanceRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, outbox: outboxRepo, logger: logger}
}

const instanceColumns = `id, task_id, due_date, due_time, status, completed_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*model.TaskInstance, error) {
	var i model.TaskInstance
	err := row.Scan(
		&i.ID,
		&i.TaskID,
		&i.DueDate,
		&i.DueTime,
		&i.Status,
		&i.CompletedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// InsertPending creates a pending instance for (task, date) and emits an
// instance.changed event in the same transaction. The unique constraint on
// (task_id, due_date) makes overlapping materializer runs safe: a conflict
// means the instance already exists and nothing is written.
func (r *InstanceRepository) InsertPending(ctx context.Context, userID, taskID int64, dueDate time.Time, dueTime *string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
        INSERT INTO task_instances (task_id, due_date, due_time, status)
        VALUES ($1, $2, $3, 'pending')
        ON CONFLICT (task_id, due_date) DO NOTHING
        RETURNING id
    `, taskID, dueDate, dueTime).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		// Already materialized.
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to insert instance",
			zap.Int64("task_id", taskID),
			zap.Time("due_date", dueDate),
			zap.Error(err),
		)
		return false, err
	}

	payload := mqcontracts.InstanceChangedPayload{
		InstanceID: id,
		TaskID:     taskID,
		UserID:     userID,
		Change:     "created",
		TraceID:    trace.FromContext(ctx),
	}
	if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "task_instance", &id, mqcontracts.InstanceChangedKey, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	r.logger.Debug("Instance materialized",
		zap.Int64("instance_id", id),
		zap.Int64("task_id", taskID),
		zap.Time("due_date", dueDate),
	)
	return true, nil
}

// TransitionStatus performs a guarded status transition and emits an
// instance.changed event transactionally. Returns false when the guard did
// not match, i.e. a concurrent actor already moved the instance out of the
// expected state; the other actor's outcome is left untouched.
func (r *InstanceRepository) TransitionStatus(ctx context.Context, instanceID int64, from, to string, now time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var completedAt *time.Time
	if to == model.InstanceStatusCompleted {
		completedAt = &now
	}

	var taskID, userID int64
	err = tx.QueryRow(ctx, `
        UPDATE task_instances i
        SET status = $1, completed_at = $2, updated_at = $3
        FROM tasks t
        WHERE i.id = $4 AND i.status = $5 AND t.id = i.task_id
        RETURNING i.task_id, t.user_id
    `, to, completedAt, now, instanceID, from).Scan(&taskID, &userID)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to transition instance",
			zap.Int64("instance_id", instanceID),
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err),
		)
		return false, err
	}

	payload := mqcontracts.InstanceChangedPayload{
		InstanceID: instanceID,
		TaskID:     taskID,
		UserID:     userID,
		Change:     to,
		TraceID:    trace.FromContext(ctx),
	}
	if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "task_instance", &instanceID, mqcontracts.InstanceChangedKey, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	r.logger.Info("Instance transitioned",
		zap.Int64("instance_id", instanceID),
		zap.String("from", from),
		zap.String("to", to),
	)
	return true, nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, instanceID int64) (*model.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM task_instances WHERE id = $1`
	return scanInstance(r.db.QueryRow(ctx, query, instanceID))
}

// GetOwner resolves the owning user of an instance.
func (r *InstanceRepository) GetOwner(ctx context.Context, instanceID int64) (int64, error) {
	var userID int64
	err := r.db.QueryRow(ctx, `
        SELECT t.user_id
        FROM task_instances i
        JOIN tasks t ON t.id = i.task_id
        WHERE i.id = $1
    `, instanceID).Scan(&userID)
	return userID, err
}

func (r *InstanceRepository) ListByTask(ctx context.Context, taskID int64) ([]*model.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM task_instances WHERE task_id = $1 ORDER BY due_date`

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*model.TaskInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// ListByTaskInWindow returns the instances of one task with due dates in
// [from, to], any status.
func (r *InstanceRepository) ListByTaskInWindow(ctx context.Context, taskID int64, from, to time.Time) ([]*model.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + `
        FROM task_instances
        WHERE task_id = $1 AND due_date >= $2 AND due_date <= $3
        ORDER BY due_date
    `

	rows, err := r.db.Query(ctx, query, taskID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*model.TaskInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// DeleteStalePending removes pending, not-yet-occurred instances of a task
// inside the window whose due date the (possibly edited) rule no longer
// generates. Completed and skipped rows are never touched.
func (r *InstanceRepository) DeleteStalePending(ctx context.Context, taskID int64, keep []time.Time, from, to time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        DELETE FROM task_instances
        WHERE task_id = $1
          AND status = 'pending'
          AND due_date >= $2 AND due_date <= $3
          AND NOT (due_date = ANY($4))
    `, taskID, from, to, keep)
	if err != nil {
		r.logger.Error("Failed to delete stale instances", zap.Int64("task_id", taskID), zap.Error(err))
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdatePendingDueTime rewrites the due time of a task's pending instances
// inside the window after a rule edit changed the time of day, emitting an
// instance.changed event per touched row in the same transaction. Completed
// and skipped rows keep the time they were done at.
func (r *InstanceRepository) UpdatePendingDueTime(ctx context.Context, taskID int64, dueTime *string, from, to time.Time) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        UPDATE task_instances i
        SET due_time = $2, updated_at = NOW()
        FROM tasks t
        WHERE i.task_id = $1 AND t.id = i.task_id
          AND i.status = 'pending'
          AND i.due_date >= $3 AND i.due_date <= $4
          AND i.due_time IS DISTINCT FROM $2
        RETURNING i.id, t.user_id
    `, taskID, dueTime, from, to)
	if err != nil {
		r.logger.Error("Failed to update instance due times", zap.Int64("task_id", taskID), zap.Error(err))
		return 0, err
	}

	type touched struct{ id, userID int64 }
	var updated []touched
	for rows.Next() {
		var tc touched
		if err := rows.Scan(&tc.id, &tc.userID); err != nil {
			rows.Close()
			return 0, err
		}
		updated = append(updated, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, tc := range updated {
		id := tc.id
		payload := mqcontracts.InstanceChangedPayload{
			InstanceID: id,
			TaskID:     taskID,
			UserID:     tc.userID,
			Change:     "retimed",
			TraceID:    trace.FromContext(ctx),
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "task_instance", &id, mqcontracts.InstanceChangedKey, payload); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int64(len(updated)), nil
}

// DeleteFinishedBefore removes completed/skipped instances past the
// retention horizon. Pending instances are kept regardless of age.
func (r *InstanceRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        DELETE FROM task_instances
        WHERE status IN ('completed', 'skipped')
          AND due_date < $1
    `, cutoff)
	if err != nil {
		r.logger.Error("Failed to clean up finished instances", zap.Error(err))
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListPendingPastDue returns a user's pending instances dated before the
// given date, oldest first.
func (r *InstanceRepository) ListPendingPastDue(ctx context.Context, userID int64, before time.Time) ([]*model.TaskInstance, error) {
	query := `
        SELECT i.id, i.task_id, i.due_date, i.due_time, i.status, i.completed_at, i.created_at, i.updated_at
        FROM task_instances i
        JOIN tasks t ON t.id = i.task_id
        WHERE t.user_id = $1 AND i.status = 'pending' AND i.due_date < $2
        ORDER BY i.due_date
    `

	rows, err := r.db.Query(ctx, query, userID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*model.TaskInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// ListSyncable returns a user's time-scheduled, non-skipped instances from
// the given date forward. Instances without a time of day stay internal and
// never reach the calendar.
func (r *InstanceRepository) ListSyncable(ctx context.Context, userID int64, from time.Time) ([]*model.TaskInstance, error) {
	query := `
        SELECT i.id, i.task_id, i.due_date, i.due_time, i.status, i.completed_at, i.created_at, i.updated_at
        FROM task_instances i
        JOIN tasks t ON t.id = i.task_id
        WHERE t.user_id = $1
          AND i.due_time IS NOT NULL
          AND i.status <> 'skipped'
          AND i.due_date >= $2
        ORDER BY i.due_date
    `

	rows, err := r.db.Query(ctx, query, userID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*model.TaskInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}
