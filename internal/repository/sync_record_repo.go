package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"whendoist/internal/model"
)

type SyncRecordRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSyncRecordRepository(db *pgxpool.Pool, logger *zap.Logger) *SyncRecordRepository {
	return &SyncRecordRepository{db: db, logger: logger}
}

const syncRecordColumns = `id, user_id, task_id, instance_id, event_id, content_hash, status, updated_at`

func scanSyncRecord(row interface{ Scan(...any) error }) (*model.CalendarEventSync, error) {
	var s model.CalendarEventSync
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TaskID,
		&s.InstanceID,
		&s.EventID,
		&s.ContentHash,
		&s.Status,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByInstance returns the sync record for an instance, or nil. Failed
// records are returned too, so the engine can park or retry them instead of
// inserting a duplicate event.
func (r *SyncRecordRepository) GetByInstance(ctx context.Context, instanceID int64) (*model.CalendarEventSync, error) {
	query := `SELECT ` + syncRecordColumns + `
        FROM calendar_event_syncs
        WHERE instance_id = $1
    `
	rec, err := scanSyncRecord(r.db.QueryRow(ctx, query, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetByTask returns the task-level sync record of a one-off task, or nil.
func (r *SyncRecordRepository) GetByTask(ctx context.Context, taskID int64) (*model.CalendarEventSync, error) {
	query := `SELECT ` + syncRecordColumns + `
        FROM calendar_event_syncs
        WHERE task_id = $1 AND instance_id IS NULL
    `
	rec, err := scanSyncRecord(r.db.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *SyncRecordRepository) Insert(ctx context.Context, s *model.CalendarEventSync) error {
	query := `
        INSERT INTO calendar_event_syncs (user_id, task_id, instance_id, event_id, content_hash, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		s.UserID,
		s.TaskID,
		s.InstanceID,
		s.EventID,
		s.ContentHash,
		s.Status,
	).Scan(&s.ID, &s.UpdatedAt)

	if err != nil {
		r.logger.Error("Failed to insert sync record",
			zap.Int64("user_id", s.UserID),
			zap.String("event_id", s.EventID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// UpdateHash refreshes the stored content hash after a successful update call.
func (r *SyncRecordRepository) UpdateHash(ctx context.Context, recordID int64, contentHash string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE calendar_event_syncs
        SET content_hash = $1, status = 'active', updated_at = NOW()
        WHERE id = $2
    `, contentHash, recordID)
	return err
}

// MarkFailed parks a record after a permanent provider error. The item is
// skipped on later passes until the source changes again.
func (r *SyncRecordRepository) MarkFailed(ctx context.Context, recordID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE calendar_event_syncs
        SET status = 'failed', updated_at = NOW()
        WHERE id = $1
    `, recordID)
	return err
}

func (r *SyncRecordRepository) Delete(ctx context.Context, recordID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM calendar_event_syncs WHERE id = $1`, recordID)
	return err
}

// ListByUser returns all of a user's sync records.
func (r *SyncRecordRepository) ListByUser(ctx context.Context, userID int64) ([]*model.CalendarEventSync, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM calendar_event_syncs WHERE user_id = $1 ORDER BY id`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.CalendarEventSync
	for rows.Next() {
		s, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, s)
	}
	return records, rows.Err()
}

// ListByTaskTree returns the sync records attached to a task or any of its
// instances. Every record carries the task id, so this keeps working after
// the instance rows have cascaded away with the task.
func (r *SyncRecordRepository) ListByTaskTree(ctx context.Context, taskID int64) ([]*model.CalendarEventSync, error) {
	query := `SELECT ` + syncRecordColumns + `
        FROM calendar_event_syncs
        WHERE task_id = $1
    `

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.CalendarEventSync
	for rows.Next() {
		s, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, s)
	}
	return records, rows.Err()
}

// DeleteByUser removes every sync record for a user. Used when sync is
// disabled; the external events themselves are handled by the caller
// according to the keep-events preference.
func (r *SyncRecordRepository) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM calendar_event_syncs WHERE user_id = $1`, userID)
	if err != nil {
		r.logger.Error("Failed to delete sync records", zap.Int64("user_id", userID), zap.Error(err))
		return 0, err
	}
	return tag.RowsAffected(), nil
}
