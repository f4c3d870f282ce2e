package model

import "time"

const (
	SyncStateActive   = "active"
	SyncStateDisabled = "disabled"
	SyncStateRevoked  = "revoked"
)

// GoogleCredential holds one user's OAuth token pair. SyncState is the
// user-visible state: a revoked credential disables sync outright instead
// of failing silently on every call.
type GoogleCredential struct {
	UserID              int64     `json:"user_id"`
	AccessToken         string    `json:"-"`
	RefreshToken        string    `json:"-"`
	ExpiresAt           time.Time `json:"expires_at"`
	SyncEnabled         bool      `json:"sync_enabled"`
	SyncState           string    `json:"sync_state"`
	KeepEventsOnDisable bool      `json:"keep_events_on_disable"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Expired reports whether the access token is expired at the given time,
// with a safety skew so tokens are refreshed slightly early.
func (c *GoogleCredential) Expired(now time.Time) bool {
	return !now.Add(30 * time.Second).Before(c.ExpiresAt)
}
