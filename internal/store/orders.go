package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkout-service/internal/models"
)

const orderColumns = `id, checkout_session_id, user_id, items, shipping_address, payment_method,
	total_price, payment_status, fulfillment_status, paid_at, cart_cleared_at, created_at, updated_at`

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves the order produced by a checkout session
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE checkout_session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// MarkCartCleared records that the order's cart was emptied. Repeated calls
// keep the first timestamp.
func (s *Store) MarkCartCleared(ctx context.Context, orderID string, clearedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET cart_cleared_at = $2, updated_at = $2 WHERE id = $1 AND cart_cleared_at IS NULL",
		orderID, clearedAt)
	return err
}

// ListUnclearedOrders returns orders created before the cutoff whose cart was
// never cleared, oldest first
func (s *Store) ListUnclearedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE cart_cleared_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`,
		createdBefore, limit)
	return orders, err
}
