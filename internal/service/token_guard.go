package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"whendoist/internal/google"
	"whendoist/internal/model"
	"whendoist/internal/repository"
	"whendoist/pkg/metrics"
)

// CredentialStore is the credential persistence the guard needs.
type CredentialStore interface {
	Get(ctx context.Context, userID int64) (*model.GoogleCredential, error)
	UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error
	SetSyncState(ctx context.Context, userID int64, state string) error
}

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*google.TokenResponse, error)
}

// TokenGuard hands out valid access tokens. Concurrent callers needing a
// refresh for the same user are collapsed into one upstream call; everyone
// waits for that call and shares its result. A refresh rejected by the
// provider marks the credential revoked so sync stops failing silently.
type TokenGuard struct {
	creds  CredentialStore
	tokens TokenRefresher
	group  singleflight.Group
	clock  func() time.Time
	logger *zap.Logger
}

func NewTokenGuard(creds CredentialStore, tokens TokenRefresher, logger *zap.Logger) *TokenGuard {
	return &TokenGuard{
		creds:  creds,
		tokens: tokens,
		clock:  time.Now,
		logger: logger,
	}
}

// EnsureValidCredential returns the user's credential with a non-expired
// access token, refreshing it first if needed.
func (g *TokenGuard) EnsureValidCredential(ctx context.Context, userID int64) (*model.GoogleCredential, error) {
	cred, err := g.creds.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}

	switch cred.SyncState {
	case model.SyncStateRevoked:
		return nil, ErrCredentialRevoked
	case model.SyncStateDisabled:
		return nil, ErrSyncDisabled
	}

	if !cred.Expired(g.clock()) {
		return cred, nil
	}
	return g.refresh(ctx, userID, cred)
}

func (g *TokenGuard) refresh(ctx context.Context, userID int64, cred *model.GoogleCredential) (*model.GoogleCredential, error) {
	key := fmt.Sprintf("refresh:%d", userID)

	v, err, _ := g.group.Do(key, func() (any, error) {
		if cred.RefreshToken == "" {
			// Nothing to refresh with; treat as revoked.
			g.revoke(ctx, userID)
			return nil, ErrCredentialRevoked
		}

		token, err := g.tokens.Refresh(ctx, cred.RefreshToken)
		if errors.Is(err, google.ErrAuthRevoked) {
			g.revoke(ctx, userID)
			return nil, ErrCredentialRevoked
		}
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}

		// The provider may omit the refresh token on rotation; keep the old one.
		refreshToken := token.RefreshToken
		if refreshToken == "" {
			refreshToken = cred.RefreshToken
		}

		expiresAt := token.ExpiresAt(g.clock())
		if err := g.creds.UpdateTokens(ctx, userID, token.AccessToken, refreshToken, expiresAt); err != nil {
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()

		fresh := *cred
		fresh.AccessToken = token.AccessToken
		fresh.RefreshToken = refreshToken
		fresh.ExpiresAt = expiresAt

		g.logger.Info("Access token refreshed", zap.Int64("user_id", userID))
		return &fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.GoogleCredential), nil
}

func (g *TokenGuard) revoke(ctx context.Context, userID int64) {
	metrics.TokenRefreshes.WithLabelValues("revoked").Inc()
	if err := g.creds.SetSyncState(ctx, userID, model.SyncStateRevoked); err != nil {
		g.logger.Error("Failed to mark credential revoked",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
	g.logger.Warn("Credential revoked by provider, sync disabled", zap.Int64("user_id", userID))
}
