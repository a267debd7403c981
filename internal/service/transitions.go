package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// moneyScale is the number of decimal places stored for prices and totals
const moneyScale = 2

var allowedTransitions = map[models.CheckoutStatus][]models.CheckoutStatus{
	models.CheckoutStatusPending: {
		models.CheckoutStatusPaid,
		models.CheckoutStatusFailed,
		models.CheckoutStatusExpired,
	},
	models.CheckoutStatusPaid: {
		models.CheckoutStatusFinalized,
	},
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to models.CheckoutStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// hasPaid reports whether the session went through Paid
func hasPaid(status models.CheckoutStatus) bool {
	return status == models.CheckoutStatusPaid || status == models.CheckoutStatusFinalized
}

func invalidTransition(op string, session *models.CheckoutSession, to models.CheckoutStatus) *Error {
	return errorf(KindInvalidStateTransition, op,
		"session %s is %s, cannot move to %s", session.ID, session.Status, to)
}

// validateSnapshot checks the cart snapshot and returns its recomputed total.
// The declared subtotal must match exactly.
func validateSnapshot(snapshot models.CartSnapshot) (decimal.Decimal, error) {
	if len(snapshot.Items) == 0 {
		return decimal.Zero, newError(KindEmptyCart, "create", errors.New("cart has no items"))
	}

	for i, item := range snapshot.Items {
		switch {
		case item.ProductID == "":
			return decimal.Zero, errorf(KindValidation, "create", "item %d has no productId", i)
		case item.Quantity <= 0:
			return decimal.Zero, errorf(KindValidation, "create", "item %s has quantity %d", item.ProductID, item.Quantity)
		case item.Price.IsNegative():
			return decimal.Zero, errorf(KindValidation, "create", "item %s has negative price %s", item.ProductID, item.Price)
		case !isWholeCents(item.Price):
			return decimal.Zero, errorf(KindValidation, "create", "item %s price %s has fractional cents", item.ProductID, item.Price)
		}
	}
	if !isWholeCents(snapshot.Subtotal) {
		return decimal.Zero, errorf(KindValidation, "create", "total price %s has fractional cents", snapshot.Subtotal)
	}

	total := snapshot.Items.Total()
	if !total.Equal(snapshot.Subtotal) {
		return decimal.Zero, errorf(KindValidation, "create",
			"total price %s does not match cart subtotal %s", total, snapshot.Subtotal)
	}
	return total, nil
}

// isWholeCents reports whether d fits the two-decimal money columns unchanged
func isWholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(moneyScale))
}

// newOrderFromSession copies the immutable session fields into a new order
func newOrderFromSession(session *models.CheckoutSession) *models.Order {
	return &models.Order{
		ID:                uuid.New().String(),
		CheckoutSessionID: session.ID,
		UserID:            session.UserID,
		Items:             session.Items.Clone(),
		ShippingAddress:   session.ShippingAddress,
		PaymentMethod:     session.PaymentMethod,
		TotalPrice:        session.TotalPrice,
		PaymentStatus:     models.PaymentStatusPaid,
		FulfillmentStatus: models.FulfillmentStatusProcessing,
		PaidAt:            session.PaidAt,
	}
}

// loadSession reads a session and translates store errors into checkout errors
func loadSession(ctx context.Context, sessions SessionStore, op, id string) (*models.CheckoutSession, error) {
	session, err := sessions.GetCheckoutSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindSessionNotFound, op, "checkout session %s not found", id)
	}
	if err != nil {
		return nil, newError(KindPersistence, op, fmt.Errorf("failed to load session %s: %w", id, err))
	}
	return session, nil
}

func eventBase(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
	}
}
