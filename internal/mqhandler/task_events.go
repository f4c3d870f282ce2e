package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/service"
	"whendoist/pkg/util"
)

// TaskChangedHandler re-materializes an edited task's window and refreshes
// its one-off calendar event. Materialization is idempotent, so redelivery
// is harmless.
type TaskChangedHandler struct {
	base
	materializer *service.Materializer
	engine       *service.SyncEngine
}

func NewTaskChangedHandler(materializer *service.Materializer, engine *service.SyncEngine, retries *util.RetryCounter, dlq DLQSink, logger *zap.Logger) *TaskChangedHandler {
	return &TaskChangedHandler{
		base:         base{retries: retries, dlq: dlq, logger: logger},
		materializer: materializer,
		engine:       engine,
	}
}

func (h *TaskChangedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	defer observe(mqcontracts.TaskChangedKey, "task.changed.queue", time.Now())

	var payload mqcontracts.TaskChangedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.settle(ctx, "task_changed", mqcontracts.TaskChangedKey, 0, raw, err)
	}

	now := time.Now()
	err := h.materializer.MaterializeByTaskID(ctx, payload.TaskID, now)
	if err == nil {
		err = h.engine.SyncTaskItem(ctx, payload.TaskID, now)
	}
	return h.settle(ctx, "task_changed", mqcontracts.TaskChangedKey, payload.TaskID, raw, err)
}

// TaskDeletedHandler removes the external calendar events of a deleted
// task. The database rows are already gone by cascade.
type TaskDeletedHandler struct {
	base
	engine *service.SyncEngine
}

func NewTaskDeletedHandler(engine *service.SyncEngine, retries *util.RetryCounter, dlq DLQSink, logger *zap.Logger) *TaskDeletedHandler {
	return &TaskDeletedHandler{
		base:   base{retries: retries, dlq: dlq, logger: logger},
		engine: engine,
	}
}

func (h *TaskDeletedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	defer observe(mqcontracts.TaskDeletedKey, "task.deleted.queue", time.Now())

	var payload mqcontracts.TaskDeletedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.settle(ctx, "task_deleted", mqcontracts.TaskDeletedKey, 0, raw, err)
	}

	err := h.engine.HandleTaskDeleted(ctx, payload.TaskID, payload.UserID)
	return h.settle(ctx, "task_deleted", mqcontracts.TaskDeletedKey, payload.TaskID, raw, err)
}

// InstanceChangedHandler keeps one instance's calendar event in line after
// any lifecycle change: created, completed, skipped, reopened.
type InstanceChangedHandler struct {
	base
	engine *service.SyncEngine
}

func NewInstanceChangedHandler(engine *service.SyncEngine, retries *util.RetryCounter, dlq DLQSink, logger *zap.Logger) *InstanceChangedHandler {
	return &InstanceChangedHandler{
		base:   base{retries: retries, dlq: dlq, logger: logger},
		engine: engine,
	}
}

func (h *InstanceChangedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	defer observe(mqcontracts.InstanceChangedKey, "instance.changed.queue", time.Now())

	var payload mqcontracts.InstanceChangedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.settle(ctx, "instance_changed", mqcontracts.InstanceChangedKey, 0, raw, err)
	}

	err := h.engine.SyncInstance(ctx, payload.InstanceID, time.Now())
	return h.settle(ctx, "instance_changed", mqcontracts.InstanceChangedKey, payload.InstanceID, raw, err)
}
