package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
)

const sessionColumns = `id, user_id, items, shipping_address, payment_method, total_price, status,
	payment_details, order_id, failure_reason, created_at, paid_at, finalized_at, failed_at, expired_at, updated_at`

// CreateCheckoutSession persists a new session
func (s *Store) CreateCheckoutSession(ctx context.Context, session *models.CheckoutSession) error {
	query := `
		INSERT INTO checkout_sessions (id, user_id, items, shipping_address, payment_method, total_price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING updated_at`

	return s.db.GetContext(ctx, &session.UpdatedAt, query,
		session.ID, session.UserID, session.Items, session.ShippingAddress,
		session.PaymentMethod, session.TotalPrice, session.Status, session.CreatedAt)
}

// GetCheckoutSession retrieves a session by ID
func (s *Store) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	var session models.CheckoutSession
	err := s.db.GetContext(ctx, &session,
		"SELECT "+sessionColumns+" FROM checkout_sessions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkSessionPaid moves a Pending session to Paid. The update only applies
// while the stored status is still Pending.
func (s *Store) MarkSessionPaid(ctx context.Context, id string, details models.PaymentDetails, paidAt time.Time) (*models.CheckoutSession, error) {
	query := `
		UPDATE checkout_sessions
		SET status = $2, payment_details = $3, paid_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + sessionColumns

	return s.conditionalUpdate(ctx, id, query,
		id, models.CheckoutStatusPaid, details, paidAt, models.CheckoutStatusPending)
}

// MarkSessionFailed moves a Pending session to Failed
func (s *Store) MarkSessionFailed(ctx context.Context, id, reason string, failedAt time.Time) (*models.CheckoutSession, error) {
	query := `
		UPDATE checkout_sessions
		SET status = $2, failure_reason = $3, failed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + sessionColumns

	return s.conditionalUpdate(ctx, id, query,
		id, models.CheckoutStatusFailed, reason, failedAt, models.CheckoutStatusPending)
}

// ExpireSession moves a Pending session created before the cutoff to Expired
func (s *Store) ExpireSession(ctx context.Context, id string, createdBefore, expiredAt time.Time) (*models.CheckoutSession, error) {
	query := `
		UPDATE checkout_sessions
		SET status = $2, expired_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4 AND created_at < $5
		RETURNING ` + sessionColumns

	return s.conditionalUpdate(ctx, id, query,
		id, models.CheckoutStatusExpired, expiredAt, models.CheckoutStatusPending, createdBefore)
}

// ListStalePendingSessions returns IDs of Pending sessions created before the cutoff
func (s *Store) ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM checkout_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		models.CheckoutStatusPending, createdBefore, limit)
	return ids, err
}

// ListUnfinalizedPaidSessions returns IDs of sessions paid before the cutoff
// that still have no order, oldest first
func (s *Store) ListUnfinalizedPaidSessions(ctx context.Context, paidBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM checkout_sessions
		WHERE status = $1 AND paid_at < $2
		ORDER BY paid_at
		LIMIT $3`,
		models.CheckoutStatusPaid, paidBefore, limit)
	return ids, err
}

// FinalizeSession atomically moves a Paid session to Finalized, creates its
// order and decrements stock. Concurrent callers serialize on the session row;
// every caller but the first sees ErrStatusConflict.
func (s *Store) FinalizeSession(ctx context.Context, order *models.Order, finalizedAt time.Time) (*models.CheckoutSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var session models.CheckoutSession
	err = tx.GetContext(ctx, &session, `
		UPDATE checkout_sessions
		SET status = $2, order_id = $3, finalized_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+sessionColumns,
		order.CheckoutSessionID, models.CheckoutStatusFinalized, order.ID, finalizedAt, models.CheckoutStatusPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOrConflict(ctx, order.CheckoutSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (id, checkout_session_id, user_id, items, shipping_address, payment_method,
			total_price, payment_status, fulfillment_status, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+orderColumns,
		order.ID, order.CheckoutSessionID, order.UserID, order.Items, order.ShippingAddress, order.PaymentMethod,
		order.TotalPrice, order.PaymentStatus, order.FulfillmentStatus, order.PaidAt, finalizedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx,
			"UPDATE inventory SET available = GREATEST(available - $1, 0), updated_at = NOW() WHERE product_id = $2",
			item.Quantity, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to decrement stock for product %s: %w", item.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finalize: %w", err)
	}

	return &session, nil
}

func (s *Store) conditionalUpdate(ctx context.Context, id, query string, args ...interface{}) (*models.CheckoutSession, error) {
	var session models.CheckoutSession
	err := s.db.GetContext(ctx, &session, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM checkout_sessions WHERE id = $1)", id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}
