package worker

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CartClearWorker retries cart clears that failed after finalize
type CartClearWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	finalizer    *service.OrderFinalizer
	maxAttempts  int
	backoff      time.Duration
	logger       *zap.Logger
}

// NewCartClearWorker creates a new cart clear worker
func NewCartClearWorker(consumer MessageSource, finalizer *service.OrderFinalizer, maxAttempts int, backoff time.Duration) *CartClearWorker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	w := &CartClearWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		finalizer:    finalizer,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnCartClearRequested(w.handleCartClearRequested)
	return w
}

// Start starts the worker
func (w *CartClearWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cart clear worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CartClearWorker) Stop() error {
	w.logger.Info("Stopping cart clear worker")
	return w.consumer.Close()
}

// Handle processes one raw cart event
func (w *CartClearWorker) Handle(ctx context.Context, payload []byte) error {
	return w.eventHandler.Handle(ctx, payload)
}

func (w *CartClearWorker) handleCartClearRequested(ctx context.Context, event *models.CartClearRequestedEvent) error {
	if delay := time.Duration(event.Attempt) * w.backoff; delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	err := w.finalizer.RetryCartClear(ctx, event)
	if err == nil {
		return nil
	}

	if event.Attempt >= w.maxAttempts {
		w.logger.Error("Giving up on cart clear",
			zap.String("user_id", event.UserID),
			zap.String("order_id", event.OrderID),
			zap.Int("attempts", event.Attempt),
			zap.Error(err))
		return nil
	}

	w.logger.Warn("Cart clear retry failed, rescheduling",
		zap.String("user_id", event.UserID),
		zap.Int("attempt", event.Attempt),
		zap.Error(err))
	// when rescheduling fails the consumer retries this message in place
	return w.finalizer.RescheduleCartClear(ctx, event)
}
