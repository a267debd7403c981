package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeCheckoutCreated    = "CHECKOUT_CREATED"
	EventTypeCheckoutPaid       = "CHECKOUT_PAID"
	EventTypeCheckoutFailed     = "CHECKOUT_FAILED"
	EventTypeCheckoutExpired    = "CHECKOUT_EXPIRED"
	EventTypeOrderFinalized     = "ORDER_FINALIZED"
	EventTypeCartClearRequested = "CART_CLEAR_REQUESTED"
	EventTypePaymentConfirmed   = "PAYMENT_CONFIRMED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutCreatedEvent published when a session enters Pending
type CheckoutCreatedEvent struct {
	BaseEvent
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	ItemCount  int             `json:"item_count"`
}

// CheckoutPaidEvent published on the Pending→Paid transition
type CheckoutPaidEvent struct {
	BaseEvent
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	PaymentRef string `json:"payment_ref"`
}

// CheckoutFailedEvent published on the Pending→Failed transition
type CheckoutFailedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

// CheckoutExpiredEvent published on the Pending→Expired transition
type CheckoutExpiredEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// OrderFinalizedEvent published once per finalized session
type OrderFinalizedEvent struct {
	BaseEvent
	OrderID    string          `json:"order_id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Items      []OrderItemData `json:"items"`
}

// CartClearRequestedEvent asks the cart worker to retry clearing a cart
type CartClearRequestedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	OrderID   string `json:"order_id"`
	Attempt   int    `json:"attempt"`
}

// PaymentConfirmedEvent is the single confirmation message, whether it
// originated from the client widget or a provider webhook
type PaymentConfirmedEvent struct {
	BaseEvent
	SessionID string         `json:"session_id"`
	Details   PaymentDetails `json:"details"`
}

// PaymentFailedEvent reports a declined or abandoned payment
type PaymentFailedEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
