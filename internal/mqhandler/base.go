// Package mqhandler contains the worker's consumers for the events
// exchange. Each handler decodes its payload, drives the domain service,
// and decides the message's fate: ack on success or a terminal error,
// requeue while retries remain, dead-letter when they run out.
package mqhandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"whendoist/pkg/metrics"
	"whendoist/pkg/util"
)

const maxRetries = 5

// DLQSink receives poisoned messages.
type DLQSink interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

type base struct {
	retries *util.RetryCounter
	dlq     DLQSink
	logger  *zap.Logger
}

// settle is the shared end-of-handling policy. Returning a non-nil error
// makes the consumer nack-and-requeue; nil acks. A message whose error is
// terminal, or whose retries ran out, goes to the DLQ and is acked.
func (b *base) settle(ctx context.Context, handlerName, routingKey string, itemID int64, raw json.RawMessage, err error) error {
	key := util.FormatRetryKey(handlerName, itemID)

	if err == nil {
		_ = b.retries.Reset(ctx, key)
		return nil
	}

	retryable, errType := util.IsRetryableError(err)
	count, cntErr := b.retries.IncrementAndGet(ctx, key)
	if cntErr != nil {
		// Without the counter, lean on retrying; MQ redelivery is bounded
		// by the counter once redis is back.
		count = 0
	}

	if util.ShouldRetry(count, maxRetries, retryable) {
		b.logger.Warn("Handler failed, requeueing",
			zap.String("handler", handlerName),
			zap.Int64("item_id", itemID),
			zap.String("error_type", errType),
			zap.Int64("attempt", count),
			zap.Error(err),
		)
		return err
	}

	b.logger.Error("Handler failed terminally, dead-lettering",
		zap.String("handler", handlerName),
		zap.Int64("item_id", itemID),
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("attempts", count),
		zap.Error(err),
	)
	if dlqErr := b.dlq.PublishToDLQ(routingKey, raw, err.Error()); dlqErr != nil {
		b.logger.Error("Failed to dead-letter message",
			zap.String("handler", handlerName),
			zap.Error(dlqErr),
		)
		// Keep the message in the main queue rather than lose it.
		return err
	}
	_ = b.retries.Reset(ctx, key)
	return nil
}

func observe(routingKey, queue string, start time.Time) {
	metrics.RecordMQConsumeLatency(routingKey, queue, time.Since(start))
}
