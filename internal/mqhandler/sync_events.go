package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/service"
	"whendoist/pkg/util"
)

// SyncRequestedHandler runs a full bulk sync for one user. The engine's
// per-user lease makes overlapping requests safe; the newer run cancels the
// older one instead of racing it.
type SyncRequestedHandler struct {
	base
	engine  *service.SyncEngine
	deduper *util.Deduper
}

func NewSyncRequestedHandler(engine *service.SyncEngine, deduper *util.Deduper, retries *util.RetryCounter, dlq DLQSink, logger *zap.Logger) *SyncRequestedHandler {
	return &SyncRequestedHandler{
		base:    base{retries: retries, dlq: dlq, logger: logger},
		engine:  engine,
		deduper: deduper,
	}
}

func (h *SyncRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	defer observe(mqcontracts.SyncRequestedKey, "sync.requested.queue", time.Now())

	var payload mqcontracts.SyncRequestedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.settle(ctx, "sync_requested", mqcontracts.SyncRequestedKey, 0, raw, err)
	}

	// Coalesce request bursts: a full sync covers everything anyway.
	if !h.deduper.AcquireOnce(ctx, "sync_requested", payload.UserID) {
		return nil
	}

	report, err := h.engine.SyncUser(ctx, payload.UserID, time.Now())
	if err != nil {
		// A user with sync off or revoked is a fact, not a failure.
		if errors.Is(err, service.ErrNoCredential) ||
			errors.Is(err, service.ErrSyncDisabled) ||
			errors.Is(err, service.ErrCredentialRevoked) {
			h.logger.Info("Bulk sync skipped",
				zap.Int64("user_id", payload.UserID),
				zap.Error(err),
			)
			return nil
		}
		return h.settle(ctx, "sync_requested", mqcontracts.SyncRequestedKey, payload.UserID, raw, err)
	}

	if report.BudgetExhausted {
		// The periodic reconcile picks up the remainder; progress so far
		// is already persisted.
		h.logger.Info("Bulk sync hit its budget",
			zap.Int64("user_id", payload.UserID),
			zap.Int("synced", report.Synced),
			zap.Int("total", report.Total),
		)
	}
	return h.settle(ctx, "sync_requested", mqcontracts.SyncRequestedKey, payload.UserID, raw, nil)
}

// SyncDisabledHandler tears down a user's calendar sync: optionally deletes
// the synced events, always drops the mapping records, and flips the
// stored state.
type SyncDisabledHandler struct {
	base
	engine *service.SyncEngine
}

func NewSyncDisabledHandler(engine *service.SyncEngine, retries *util.RetryCounter, dlq DLQSink, logger *zap.Logger) *SyncDisabledHandler {
	return &SyncDisabledHandler{
		base:   base{retries: retries, dlq: dlq, logger: logger},
		engine: engine,
	}
}

func (h *SyncDisabledHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	defer observe(mqcontracts.SyncDisabledKey, "sync.disabled.queue", time.Now())

	var payload mqcontracts.SyncDisabledPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.settle(ctx, "sync_disabled", mqcontracts.SyncDisabledKey, 0, raw, err)
	}

	err := h.engine.DisableSync(ctx, payload.UserID, payload.DeleteEvents)
	return h.settle(ctx, "sync_disabled", mqcontracts.SyncDisabledKey, payload.UserID, raw, err)
}
