package service

import "errors"

var (
	// ErrNoCredential means the user never connected a calendar.
	ErrNoCredential = errors.New("no calendar credential on file")

	// ErrSyncDisabled means the user has turned calendar sync off.
	ErrSyncDisabled = errors.New("calendar sync is disabled")

	// ErrCredentialRevoked means the provider rejected the refresh token;
	// the user must re-run the OAuth consent flow.
	ErrCredentialRevoked = errors.New("calendar credential revoked, reconnect required")

	// ErrConflict means a guarded state transition found the row already
	// moved by a concurrent actor. The earlier outcome stands.
	ErrConflict = errors.New("state changed concurrently")

	// ErrRecurringTask means an operation valid only for one-off tasks was
	// attempted on a recurring one.
	ErrRecurringTask = errors.New("recurring tasks complete through their instances")

	// ErrSyncCancelled means a bulk sync run was stopped by a newer run
	// for the same user. Progress made so far is kept.
	ErrSyncCancelled = errors.New("sync run cancelled by a newer run")
)
