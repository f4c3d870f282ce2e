package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"whendoist/internal/model"
)

type CredentialRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewCredentialRepository(db *pgxpool.Pool, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger}
}

func (r *CredentialRepository) Get(ctx context.Context, userID int64) (*model.GoogleCredential, error) {
	query := `
        SELECT user_id, access_token, refresh_token, expires_at,
               sync_enabled, sync_state, keep_events_on_disable, updated_at
        FROM google_credentials
        WHERE user_id = $1
    `
	var c model.GoogleCredential
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&c.UserID,
		&c.AccessToken,
		&c.RefreshToken,
		&c.ExpiresAt,
		&c.SyncEnabled,
		&c.SyncState,
		&c.KeepEventsOnDisable,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert stores a fresh token pair after the OAuth exchange and enables sync.
func (r *CredentialRepository) Upsert(ctx context.Context, c *model.GoogleCredential) error {
	query := `
        INSERT INTO google_credentials
            (user_id, access_token, refresh_token, expires_at, sync_enabled, sync_state, keep_events_on_disable)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            sync_enabled = EXCLUDED.sync_enabled,
            sync_state = EXCLUDED.sync_state,
            keep_events_on_disable = EXCLUDED.keep_events_on_disable,
            updated_at = NOW()
    `
	_, err := r.db.Exec(ctx, query,
		c.UserID,
		c.AccessToken,
		c.RefreshToken,
		c.ExpiresAt,
		c.SyncEnabled,
		c.SyncState,
		c.KeepEventsOnDisable,
	)
	if err != nil {
		r.logger.Error("Failed to upsert credential", zap.Int64("user_id", c.UserID), zap.Error(err))
		return err
	}

	r.logger.Info("Credential stored", zap.Int64("user_id", c.UserID))
	return nil
}

// UpdateTokens persists a refreshed access token (and rotated refresh token,
// when the provider returns one).
func (r *CredentialRepository) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
        UPDATE google_credentials
        SET access_token = $1,
            refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
            expires_at = $3,
            updated_at = NOW()
        WHERE user_id = $4
    `
	_, err := r.db.Exec(ctx, query, accessToken, refreshToken, expiresAt, userID)
	if err != nil {
		r.logger.Error("Failed to update tokens", zap.Int64("user_id", userID), zap.Error(err))
	}
	return err
}

// SetSyncState moves the credential between active/disabled/revoked. A
// revoked state always turns sync off so it cannot keep failing silently.
func (r *CredentialRepository) SetSyncState(ctx context.Context, userID int64, state string) error {
	enabled := state == model.SyncStateActive

	_, err := r.db.Exec(ctx, `
        UPDATE google_credentials
        SET sync_state = $1, sync_enabled = $2, updated_at = NOW()
        WHERE user_id = $3
    `, state, enabled, userID)
	if err != nil {
		r.logger.Error("Failed to set sync state",
			zap.Int64("user_id", userID),
			zap.String("state", state),
			zap.Error(err),
		)
		return err
	}

	r.logger.Info("Sync state changed",
		zap.Int64("user_id", userID),
		zap.String("state", state),
	)
	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM google_credentials WHERE user_id = $1`, userID)
	return err
}

// ListSyncEnabled returns the ids of users with sync currently enabled.
// The periodic reconcile walks this set.
func (r *CredentialRepository) ListSyncEnabled(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM google_credentials WHERE sync_enabled = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
