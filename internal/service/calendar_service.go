package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/google"
	"whendoist/internal/model"
	"whendoist/internal/repository"
	"whendoist/pkg/trace"
)

// TokenExchanger runs the OAuth authorization-code flow.
type TokenExchanger interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*google.TokenResponse, error)
}

// FullCredentialStore extends CredentialStore with the operations the
// connect flow needs.
type FullCredentialStore interface {
	CredentialStore
	Upsert(ctx context.Context, c *model.GoogleCredential) error
}

// SyncStatus is the user-facing view of the calendar connection.
type SyncStatus struct {
	Connected           bool   `json:"connected"`
	State               string `json:"state,omitempty"`
	KeepEventsOnDisable bool   `json:"keep_events_on_disable,omitempty"`
}

// CalendarService owns the calendar connection lifecycle on the API side:
// the OAuth consent flow, sync enable/disable requests, and status. The
// heavy lifting (the actual event traffic) lives in the worker's sync
// engine; this service only persists credentials and emits events.
type CalendarService struct {
	tokens    TokenExchanger
	creds     FullCredentialStore
	publisher EventPublisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewCalendarService(tokens TokenExchanger, creds FullCredentialStore, publisher EventPublisher, logger *zap.Logger) *CalendarService {
	return &CalendarService{
		tokens:    tokens,
		creds:     creds,
		publisher: publisher,
		clock:     time.Now,
		logger:    logger,
	}
}

// ConnectURL returns the provider consent URL for the calendar scope.
func (s *CalendarService) ConnectURL(state string) string {
	return s.tokens.AuthURL(state)
}

// CompleteConnect finishes the OAuth flow: exchanges the code, stores the
// token pair, and requests an initial bulk sync.
func (s *CalendarService) CompleteConnect(ctx context.Context, userID int64, code string, keepEventsOnDisable bool) error {
	token, err := s.tokens.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("oauth exchange failed: %w", err)
	}
	if token.RefreshToken == "" {
		// Without a refresh token sync dies at the first expiry.
		return fmt.Errorf("provider granted no refresh token, re-run consent")
	}

	cred := &model.GoogleCredential{
		UserID:              userID,
		AccessToken:         token.AccessToken,
		RefreshToken:        token.RefreshToken,
		ExpiresAt:           token.ExpiresAt(s.clock()),
		SyncEnabled:         true,
		SyncState:           model.SyncStateActive,
		KeepEventsOnDisable: keepEventsOnDisable,
	}
	if err := s.creds.Upsert(ctx, cred); err != nil {
		return err
	}

	s.logger.Info("Calendar connected", zap.Int64("user_id", userID))
	return s.RequestSync(ctx, userID)
}

// RequestSync asks the worker for a full bulk sync of this user.
func (s *CalendarService) RequestSync(ctx context.Context, userID int64) error {
	status, err := s.Status(ctx, userID)
	if err != nil {
		return err
	}
	if !status.Connected {
		return ErrNoCredential
	}
	if status.State != model.SyncStateActive {
		return ErrSyncDisabled
	}

	payload := mqcontracts.SyncRequestedPayload{
		UserID:  userID,
		TraceID: trace.FromContext(ctx),
	}
	return s.publisher.PublishWithContext(ctx, mqcontracts.SyncRequestedKey, payload)
}

// Disconnect turns calendar sync off. The worker performs the teardown and
// flips the stored state; deleteEvents selects whether the synced events
// are removed from the calendar or left behind.
func (s *CalendarService) Disconnect(ctx context.Context, userID int64, deleteEvents bool) error {
	status, err := s.Status(ctx, userID)
	if err != nil {
		return err
	}
	if !status.Connected {
		return ErrNoCredential
	}

	payload := mqcontracts.SyncDisabledPayload{
		UserID:       userID,
		DeleteEvents: deleteEvents,
		TraceID:      trace.FromContext(ctx),
	}
	if err := s.publisher.PublishWithContext(ctx, mqcontracts.SyncDisabledKey, payload); err != nil {
		return err
	}

	s.logger.Info("Calendar disconnect requested",
		zap.Int64("user_id", userID),
		zap.Bool("delete_events", deleteEvents),
	)
	return nil
}

// Reconnect re-enables sync on a disabled (not revoked) credential and
// requests a fresh bulk sync. A revoked credential needs the full consent
// flow again.
func (s *CalendarService) Reconnect(ctx context.Context, userID int64) error {
	cred, err := s.creds.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNoCredential
	}
	if err != nil {
		return err
	}
	if cred.SyncState == model.SyncStateRevoked {
		return ErrCredentialRevoked
	}

	if err := s.creds.SetSyncState(ctx, userID, model.SyncStateActive); err != nil {
		return err
	}
	return s.RequestSync(ctx, userID)
}

// Status reports whether a calendar is connected and in what state.
func (s *CalendarService) Status(ctx context.Context, userID int64) (*SyncStatus, error) {
	cred, err := s.creds.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &SyncStatus{Connected: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		Connected:           true,
		State:               cred.SyncState,
		KeepEventsOnDisable: cred.KeepEventsOnDisable,
	}, nil
}
