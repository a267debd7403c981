package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes one event to a topic
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing checkout domain events
type EventPublisher struct {
	checkout Publisher
	cart     Publisher
}

// NewEventPublisher creates a new event publisher. Checkout lifecycle events
// go to checkout, cart clear requests to cart.
func NewEventPublisher(checkout, cart Publisher) *EventPublisher {
	return &EventPublisher{checkout: checkout, cart: cart}
}

func sessionKey(sessionID string) string {
	return "checkout-" + sessionID
}

// PublishCheckoutCreated publishes CheckoutCreated event
func (ep *EventPublisher) PublishCheckoutCreated(ctx context.Context, event *models.CheckoutCreatedEvent) error {
	return ep.checkout.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishCheckoutPaid publishes CheckoutPaid event
func (ep *EventPublisher) PublishCheckoutPaid(ctx context.Context, event *models.CheckoutPaidEvent) error {
	return ep.checkout.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishCheckoutFailed publishes CheckoutFailed event
func (ep *EventPublisher) PublishCheckoutFailed(ctx context.Context, event *models.CheckoutFailedEvent) error {
	return ep.checkout.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishCheckoutExpired publishes CheckoutExpired event
func (ep *EventPublisher) PublishCheckoutExpired(ctx context.Context, event *models.CheckoutExpiredEvent) error {
	return ep.checkout.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishOrderFinalized publishes OrderFinalized event
func (ep *EventPublisher) PublishOrderFinalized(ctx context.Context, event *models.OrderFinalizedEvent) error {
	return ep.checkout.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishCartClearRequested publishes CartClearRequested event
func (ep *EventPublisher) PublishCartClearRequested(ctx context.Context, event *models.CartClearRequestedEvent) error {
	return ep.cart.PublishEvent(ctx, "cart-"+event.UserID, event)
}

// LogPublisher logs events instead of sending them, for runs without Kafka
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that only logs
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

// PublishEvent logs the event
func (lp *LogPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	lp.logger.Info("Event (not published)", zap.String("key", key), zap.Any("event", event))
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentConfirmed   func(context.Context, *models.PaymentConfirmedEvent) error
	onPaymentFailed      func(context.Context, *models.PaymentFailedEvent) error
	onCartClearRequested func(context.Context, *models.CartClearRequestedEvent) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentConfirmed registers a handler for PaymentConfirmed events
func (eh *EventHandler) OnPaymentConfirmed(handler func(context.Context, *models.PaymentConfirmedEvent) error) {
	eh.onPaymentConfirmed = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

// OnCartClearRequested registers a handler for CartClearRequested events
func (eh *EventHandler) OnCartClearRequested(handler func(context.Context, *models.CartClearRequestedEvent) error) {
	eh.onCartClearRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return eh.Handle(ctx, msg.Value)
}

// Handle routes a raw event payload to the registered handler
func (eh *EventHandler) Handle(ctx context.Context, payload []byte) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(payload, &baseEvent); err != nil {
		// a malformed message can never succeed, skip it
		eh.logger.Error("Dropping malformed event", zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentConfirmed:
		if eh.onPaymentConfirmed != nil {
			var event models.PaymentConfirmedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentConfirmed event: %w", err)
			}
			return eh.onPaymentConfirmed(ctx, &event)
		}

	case models.EventTypePaymentFailed:
		if eh.onPaymentFailed != nil {
			var event models.PaymentFailedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentFailed event: %w", err)
			}
			return eh.onPaymentFailed(ctx, &event)
		}

	case models.EventTypeCartClearRequested:
		if eh.onCartClearRequested != nil {
			var event models.CartClearRequestedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CartClearRequested event: %w", err)
			}
			return eh.onCartClearRequested(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
