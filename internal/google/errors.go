package google

import "errors"

var (
	// ErrRateLimited signals a retryable provider throttle response.
	ErrRateLimited = errors.New("calendar api rate limited")

	// ErrEventNotFound signals the event no longer exists upstream. Treated
	// as already deleted.
	ErrEventNotFound = errors.New("calendar event not found")

	// ErrAuthRevoked signals the credential is rejected outright, not
	// merely expired. Terminal for the user's sync.
	ErrAuthRevoked = errors.New("calendar credential revoked")
)
