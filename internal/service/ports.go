package service

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/models"
)

// SessionStore persists checkout sessions and orders. Every transition is a
// conditional update on the current status; a lost race is reported as
// store.ErrStatusConflict.
type SessionStore interface {
	CreateCheckoutSession(ctx context.Context, session *models.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	MarkSessionPaid(ctx context.Context, id string, details models.PaymentDetails, paidAt time.Time) (*models.CheckoutSession, error)
	MarkSessionFailed(ctx context.Context, id, reason string, failedAt time.Time) (*models.CheckoutSession, error)
	ExpireSession(ctx context.Context, id string, createdBefore, expiredAt time.Time) (*models.CheckoutSession, error)
	ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	ListUnfinalizedPaidSessions(ctx context.Context, paidBefore time.Time, limit int) ([]string, error)
	FinalizeSession(ctx context.Context, order *models.Order, finalizedAt time.Time) (*models.CheckoutSession, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	MarkCartCleared(ctx context.Context, orderID string, clearedAt time.Time) error
	ListUnclearedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
}

// CartStore holds the mutable per-user cart
type CartStore interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// IdempotencyStore binds client idempotency keys to session IDs
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (existing string, claimed bool, err error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// PaymentGateway confirms payment for a checkout session with the provider.
// The session ID is the idempotency key: confirming one session twice must not
// charge twice and must return the same payment reference.
type PaymentGateway interface {
	ConfirmPayment(ctx context.Context, session *models.CheckoutSession) (*models.PaymentDetails, error)
}

// PaymentDeclinedError is returned by a gateway when the provider refused the payment.
// Any other gateway error is treated as transient.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	return "payment declined: " + e.Reason
}

// IsPaymentDeclined reports whether err is a provider decline
func IsPaymentDeclined(err error) (*PaymentDeclinedError, bool) {
	var declined *PaymentDeclinedError
	if errors.As(err, &declined) {
		return declined, true
	}
	return nil, false
}

// EventPublisher publishes checkout domain events
type EventPublisher interface {
	PublishCheckoutCreated(ctx context.Context, event *models.CheckoutCreatedEvent) error
	PublishCheckoutPaid(ctx context.Context, event *models.CheckoutPaidEvent) error
	PublishCheckoutFailed(ctx context.Context, event *models.CheckoutFailedEvent) error
	PublishCheckoutExpired(ctx context.Context, event *models.CheckoutExpiredEvent) error
	PublishOrderFinalized(ctx context.Context, event *models.OrderFinalizedEvent) error
	PublishCartClearRequested(ctx context.Context, event *models.CartClearRequestedEvent) error
}

// StockMirror reflects committed stock decrements in the fast inventory cache
type StockMirror interface {
	DecrementForOrder(ctx context.Context, order *models.Order)
}

// Clock returns the current time
type Clock func() time.Time
