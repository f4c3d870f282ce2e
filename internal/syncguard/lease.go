// Package syncguard serializes calendar sync runs per user across worker
// processes. The lease is a redis key holding an owner id with an expiry,
// so single-flight semantics hold even when several workers are live. A
// second run does not silently skip: it asks the in-flight run to stop and
// waits for the lease before starting.
package syncguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"whendoist/pkg/metrics"
	"whendoist/pkg/trace"
)

const pollInterval = 250 * time.Millisecond

// Release only deletes the lease when the caller still owns it; an expired
// lease taken over by another run must not be released from here.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Extend renews only the caller's own lease. A run whose lease expired and
// was taken over must not refresh the successor's TTL.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type Lease struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewLease(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Lease {
	return &Lease{rdb: rdb, ttl: ttl, logger: logger}
}

func leaseKey(userID int64) string {
	return fmt.Sprintf("sync:lease:%d", userID)
}

func cancelKey(userID int64) string {
	return fmt.Sprintf("sync:cancel:%d", userID)
}

// TryAcquire attempts to take the lease without waiting. Returns the owner
// id on success.
func (l *Lease) TryAcquire(ctx context.Context, userID int64) (string, bool, error) {
	owner := trace.GenerateTraceID()

	ok, err := l.rdb.SetNX(ctx, leaseKey(userID), owner, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	// A fresh run starts with a clean cancel flag.
	l.rdb.Del(ctx, cancelKey(userID))
	return owner, true, nil
}

// AcquireWithCancel takes the lease, cancelling any in-flight run first.
// It signals the current holder to stop and polls until the lease frees up
// or the context ends. The replaced run is never silently dropped; it
// observes the cancel flag and reports partial progress.
func (l *Lease) AcquireWithCancel(ctx context.Context, userID int64) (string, error) {
	owner, ok, err := l.TryAcquire(ctx, userID)
	if err != nil {
		return "", err
	}
	if ok {
		return owner, nil
	}

	metrics.SyncLeaseContention.Inc()
	l.logger.Info("Sync lease held, requesting cancellation of in-flight run",
		zap.Int64("user_id", userID),
	)

	if err := l.rdb.Set(ctx, cancelKey(userID), 1, l.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to set cancel flag: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			owner, ok, err := l.TryAcquire(ctx, userID)
			if err != nil {
				return "", err
			}
			if ok {
				return owner, nil
			}
		}
	}
}

// Cancelled reports whether a newer run has asked this one to stop. Checked
// between items, never mid-call.
func (l *Lease) Cancelled(ctx context.Context, userID int64, owner string) bool {
	n, err := l.rdb.Exists(ctx, cancelKey(userID)).Result()
	if err != nil {
		// On redis trouble, finishing the run is safer than aborting it.
		return false
	}
	return n > 0
}

// Extend renews the lease TTL mid-run so long runs do not lose ownership.
// The renewal is owner-checked, like Release.
func (l *Lease) Extend(ctx context.Context, userID int64, owner string) {
	err := l.rdb.Eval(ctx, extendScript, []string{leaseKey(userID)}, owner, l.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		l.logger.Warn("Failed to extend sync lease",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

// Release frees the lease if the caller still owns it.
func (l *Lease) Release(ctx context.Context, userID int64, owner string) error {
	if err := l.rdb.Eval(ctx, releaseScript, []string{leaseKey(userID)}, owner).Err(); err != nil && err != redis.Nil {
		l.logger.Warn("Failed to release sync lease",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
