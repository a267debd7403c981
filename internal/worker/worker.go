package worker

import (
	"context"
	"errors"

	"checkout-service/internal/broker"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource delivers messages to a handler until ctx is done
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ProcessedEvents records consumed event IDs so redeliveries are skipped
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// once runs handle unless eventID was already processed, and records it after
// a successful run. Non-retryable checkout errors are logged and swallowed so
// the message is committed; retryable ones are returned so the consumer retries.
func once(ctx context.Context, events ProcessedEvents, eventID, eventType string, handle func() error) error {
	logger := util.GetLogger()

	if events != nil && eventID != "" {
		processed, err := events.IsEventProcessed(ctx, eventID)
		if err != nil {
			return err
		}
		if processed {
			logger.Info("Event already processed, skipping",
				zap.String("event_id", eventID),
				zap.String("event_type", eventType))
			return nil
		}
	}

	if err := handle(); err != nil {
		var checkoutErr *service.Error
		if !errors.As(err, &checkoutErr) || checkoutErr.Kind.Retryable() {
			return err
		}
		logger.Warn("Event rejected",
			zap.String("event_id", eventID),
			zap.String("event_type", eventType),
			zap.String("kind", string(checkoutErr.Kind)),
			zap.Error(err))
	}

	if events != nil && eventID != "" {
		if err := events.MarkEventProcessed(ctx, eventID, eventType); err != nil {
			logger.Error("Failed to mark event processed", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return nil
}
