package worker

import (
	"context"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// PaymentWorker applies asynchronous payment outcomes to checkout sessions
type PaymentWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	manager      *service.CheckoutSessionManager
	finalizer    *service.OrderFinalizer
	events       ProcessedEvents
	autoFinalize bool
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker. When autoFinalize is set a
// confirmed payment is finalized into an order right away.
func NewPaymentWorker(
	consumer MessageSource,
	manager *service.CheckoutSessionManager,
	finalizer *service.OrderFinalizer,
	events ProcessedEvents,
	autoFinalize bool,
) *PaymentWorker {
	w := &PaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		manager:      manager,
		finalizer:    finalizer,
		events:       events,
		autoFinalize: autoFinalize,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnPaymentConfirmed(w.handlePaymentConfirmed)
	w.eventHandler.OnPaymentFailed(w.handlePaymentFailed)
	return w
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// Handle processes one raw payment event
func (w *PaymentWorker) Handle(ctx context.Context, payload []byte) error {
	return w.eventHandler.Handle(ctx, payload)
}

func (w *PaymentWorker) handlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	return once(ctx, w.events, event.EventID, event.EventType, func() error {
		session, err := w.manager.HandlePaymentConfirmed(ctx, event)
		if err != nil {
			return err
		}
		if !w.autoFinalize || session.Status == models.CheckoutStatusFinalized {
			return nil
		}

		order, err := w.finalizer.Finalize(ctx, session.ID)
		if err != nil {
			return err
		}
		w.logger.Info("Payment confirmed and order finalized",
			zap.String("session_id", session.ID),
			zap.String("order_id", order.ID))
		return nil
	})
}

func (w *PaymentWorker) handlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return once(ctx, w.events, event.EventID, event.EventType, func() error {
		_, err := w.manager.HandlePaymentFailed(ctx, event)
		return err
	})
}
