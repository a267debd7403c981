package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const finalizeTimeout = 15 * time.Second

// OrderFinalizer turns a paid checkout session into exactly one order
type OrderFinalizer struct {
	sessions  SessionStore
	carts     CartStore
	publisher EventPublisher
	stock     StockMirror
	inflight  singleflight.Group
	now       Clock
	logger    *zap.Logger
}

// NewOrderFinalizer creates a new order finalizer. stock may be nil.
func NewOrderFinalizer(
	sessions SessionStore,
	carts CartStore,
	publisher EventPublisher,
	stock StockMirror,
) *OrderFinalizer {
	return &OrderFinalizer{
		sessions:  sessions,
		carts:     carts,
		publisher: publisher,
		stock:     stock,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// WithClock replaces the time source
func (f *OrderFinalizer) WithClock(clock Clock) *OrderFinalizer {
	f.now = clock
	return f
}

// Finalize creates the order for a Paid session. Calling it again, or
// concurrently, returns the order created by the first successful call.
func (f *OrderFinalizer) Finalize(ctx context.Context, sessionID string) (*models.Order, error) {
	// Callers in this process share one attempt; the conditional update in the
	// store serializes attempts across processes.
	v, err, _ := f.inflight.Do(sessionID, func() (interface{}, error) {
		finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		return f.finalize(finalizeCtx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Order).Clone(), nil
}

func (f *OrderFinalizer) finalize(ctx context.Context, sessionID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderFinalizer.Finalize", attribute.String("session_id", sessionID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.FinalizeLatency.Observe(time.Since(start).Seconds())
	}()

	session, err := loadSession(ctx, f.sessions, "finalize", sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case session.Status == models.CheckoutStatusFinalized:
		return f.existingOrder(ctx, session)
	case !CanTransition(session.Status, models.CheckoutStatusFinalized):
		util.CheckoutRejectedTotal.WithLabelValues(string(KindInvalidStateTransition)).Inc()
		return nil, invalidTransition("finalize", session, models.CheckoutStatusFinalized)
	}

	order := newOrderFromSession(session)
	now := f.now().UTC()

	finalized, err := f.sessions.FinalizeSession(ctx, order, now)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		current, err := loadSession(ctx, f.sessions, "finalize", sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.CheckoutStatusFinalized {
			return nil, invalidTransition("finalize", current, models.CheckoutStatusFinalized)
		}
		return f.existingOrder(ctx, current)
	case errors.Is(err, store.ErrNotFound):
		return nil, errorf(KindSessionNotFound, "finalize", "checkout session %s not found", sessionID)
	case err != nil:
		return nil, newError(KindPersistence, "finalize", err)
	}

	util.OrdersFinalizedTotal.Inc()
	f.logger.Info("Order finalized",
		zap.String("session_id", finalized.ID),
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total_price", order.TotalPrice.String()))

	if f.stock != nil {
		f.stock.DecrementForOrder(ctx, order)
	}

	f.publishFinalized(ctx, order, now)
	f.clearCart(ctx, order, now)

	return order, nil
}

// existingOrder returns the order already linked to a Finalized session
func (f *OrderFinalizer) existingOrder(ctx context.Context, session *models.CheckoutSession) (*models.Order, error) {
	if session.OrderID == nil {
		return nil, errorf(KindPersistence, "finalize", "finalized session %s has no order id", session.ID)
	}

	order, err := f.sessions.GetOrderByID(ctx, *session.OrderID)
	if err != nil {
		return nil, newError(KindPersistence, "finalize",
			fmt.Errorf("failed to load order %s of session %s: %w", *session.OrderID, session.ID, err))
	}

	util.FinalizeReplaysTotal.Inc()
	f.logger.Info("Session already finalized, returning existing order",
		zap.String("session_id", session.ID),
		zap.String("order_id", order.ID))
	return order, nil
}

func (f *OrderFinalizer) publishFinalized(ctx context.Context, order *models.Order, now time.Time) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}

	event := &models.OrderFinalizedEvent{
		BaseEvent:  eventBase(models.EventTypeOrderFinalized, now),
		OrderID:    order.ID,
		SessionID:  order.CheckoutSessionID,
		UserID:     order.UserID,
		TotalPrice: order.TotalPrice,
		Items:      items,
	}
	if err := f.publisher.PublishOrderFinalized(ctx, event); err != nil {
		f.logger.Error("Failed to publish OrderFinalized event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// clearCart empties the user's cart. A failure never undoes the order; the
// clear is handed to the cart worker instead.
func (f *OrderFinalizer) clearCart(ctx context.Context, order *models.Order, now time.Time) {
	err := f.carts.ClearCart(ctx, order.UserID)
	if err == nil {
		f.markCartCleared(ctx, order.ID)
		return
	}

	util.CartClearFailuresTotal.Inc()
	f.logger.Warn("Failed to clear cart after finalize, scheduling retry",
		zap.String("user_id", order.UserID),
		zap.String("order_id", order.ID),
		zap.Error(err))

	event := &models.CartClearRequestedEvent{
		BaseEvent: eventBase(models.EventTypeCartClearRequested, now),
		UserID:    order.UserID,
		SessionID: order.CheckoutSessionID,
		OrderID:   order.ID,
		Attempt:   1,
	}
	if err := f.publisher.PublishCartClearRequested(ctx, event); err != nil {
		f.logger.Error("Failed to schedule cart clear retry",
			zap.String("user_id", order.UserID),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

// RetryCartClear clears a cart on behalf of the cart worker
func (f *OrderFinalizer) RetryCartClear(ctx context.Context, event *models.CartClearRequestedEvent) error {
	if err := f.carts.ClearCart(ctx, event.UserID); err != nil {
		util.CartClearFailuresTotal.Inc()
		return fmt.Errorf("failed to clear cart for user %s (attempt %d): %w", event.UserID, event.Attempt, err)
	}
	f.markCartCleared(ctx, event.OrderID)
	f.logger.Info("Cart cleared on retry",
		zap.String("user_id", event.UserID),
		zap.String("order_id", event.OrderID),
		zap.Int("attempt", event.Attempt))
	return nil
}

// markCartCleared records the clear so recovery skips the order. A failed write
// only means the idempotent clear runs once more.
func (f *OrderFinalizer) markCartCleared(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	if err := f.sessions.MarkCartCleared(ctx, orderID, f.now().UTC()); err != nil {
		f.logger.Error("Failed to record cart clear", zap.String("order_id", orderID), zap.Error(err))
	}
}

// RescheduleCartClear publishes the next cart clear attempt
func (f *OrderFinalizer) RescheduleCartClear(ctx context.Context, event *models.CartClearRequestedEvent) error {
	next := *event
	next.BaseEvent = eventBase(models.EventTypeCartClearRequested, f.now().UTC())
	next.Attempt = event.Attempt + 1
	return f.publisher.PublishCartClearRequested(ctx, &next)
}

// RecoverStuck finalizes sessions left Paid for longer than grace, e.g. after
// a crash between payment and finalize. Returns how many were finalized.
func (f *OrderFinalizer) RecoverStuck(ctx context.Context, grace time.Duration, limit int) (int, error) {
	ids, err := f.sessions.ListUnfinalizedPaidSessions(ctx, f.now().UTC().Add(-grace), limit)
	if err != nil {
		return 0, newError(KindPersistence, "finalize", fmt.Errorf("failed to list paid sessions: %w", err))
	}

	recovered := 0
	for _, id := range ids {
		f.logger.Info("Recovering stuck paid session", zap.String("session_id", id))
		if _, err := f.Finalize(ctx, id); err != nil {
			f.logger.Error("Failed to finalize stuck session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RecoverUnclearedCarts clears the carts of orders finalized more than grace ago
// whose clear was never recorded, e.g. after a crash right after the finalize
// commit. Returns how many carts were cleared.
func (f *OrderFinalizer) RecoverUnclearedCarts(ctx context.Context, grace time.Duration, limit int) (int, error) {
	orders, err := f.sessions.ListUnclearedOrders(ctx, f.now().UTC().Add(-grace), limit)
	if err != nil {
		return 0, newError(KindPersistence, "finalize", fmt.Errorf("failed to list uncleared orders: %w", err))
	}

	cleared := 0
	for _, order := range orders {
		if err := f.carts.ClearCart(ctx, order.UserID); err != nil {
			util.CartClearFailuresTotal.Inc()
			f.logger.Error("Failed to clear cart of finalized order",
				zap.String("order_id", order.ID),
				zap.String("user_id", order.UserID),
				zap.Error(err))
			continue
		}
		f.markCartCleared(ctx, order.ID)
		cleared++
	}
	return cleared, nil
}

// GetOrder returns an order owned by userID
func (f *OrderFinalizer) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := f.sessions.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && order.UserID != userID) {
		return nil, errorf(KindSessionNotFound, "getOrder", "order %s not found", orderID)
	}
	if err != nil {
		return nil, newError(KindPersistence, "getOrder", err)
	}
	return order, nil
}

// ListOrders returns a user's orders, newest first
func (f *OrderFinalizer) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	orders, err := f.sessions.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, newError(KindPersistence, "listOrders", err)
	}
	return orders, nil
}
