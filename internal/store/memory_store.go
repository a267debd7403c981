package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/models"
)

// MemoryStore keeps sessions and orders in process memory. Each conditional
// transition runs under one mutex, giving the same compare-and-set semantics
// as the Postgres store.
type MemoryStore struct {
	sync.Mutex
	sessions  map[string]*models.CheckoutSession
	orders    map[string]*models.Order
	inventory map[string]int
	processed map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.CheckoutSession{},
		orders:    map[string]*models.Order{},
		inventory: map[string]int{},
		processed: map[string]string{},
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// CreateCheckoutSession stores a copy of the session
func (m *MemoryStore) CreateCheckoutSession(ctx context.Context, session *models.CheckoutSession) error {
	m.Lock()
	defer m.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("checkout session %s already exists", session.ID)
	}
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetCheckoutSession returns a copy of the session
func (m *MemoryStore) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	m.Lock()
	defer m.Unlock()

	session, found := m.sessions[id]
	if !found {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// MarkSessionPaid moves a Pending session to Paid
func (m *MemoryStore) MarkSessionPaid(ctx context.Context, id string, details models.PaymentDetails, paidAt time.Time) (*models.CheckoutSession, error) {
	return m.transition(id, models.CheckoutStatusPending, func(s *models.CheckoutSession) bool {
		s.Status = models.CheckoutStatusPaid
		s.PaymentDetails = &details
		s.PaidAt = &paidAt
		s.UpdatedAt = paidAt
		return true
	})
}

// MarkSessionFailed moves a Pending session to Failed
func (m *MemoryStore) MarkSessionFailed(ctx context.Context, id, reason string, failedAt time.Time) (*models.CheckoutSession, error) {
	return m.transition(id, models.CheckoutStatusPending, func(s *models.CheckoutSession) bool {
		s.Status = models.CheckoutStatusFailed
		s.FailureReason = &reason
		s.FailedAt = &failedAt
		s.UpdatedAt = failedAt
		return true
	})
}

// ExpireSession moves a Pending session created before the cutoff to Expired
func (m *MemoryStore) ExpireSession(ctx context.Context, id string, createdBefore, expiredAt time.Time) (*models.CheckoutSession, error) {
	return m.transition(id, models.CheckoutStatusPending, func(s *models.CheckoutSession) bool {
		if !s.CreatedAt.Before(createdBefore) {
			return false
		}
		s.Status = models.CheckoutStatusExpired
		s.ExpiredAt = &expiredAt
		s.UpdatedAt = expiredAt
		return true
	})
}

// ListStalePendingSessions returns IDs of Pending sessions created before the cutoff, oldest first
func (m *MemoryStore) ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	m.Lock()
	defer m.Unlock()

	stale := make([]*models.CheckoutSession, 0)
	for _, s := range m.sessions {
		if s.Status == models.CheckoutStatusPending && s.CreatedAt.Before(createdBefore) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// ListUnfinalizedPaidSessions returns IDs of sessions paid before the cutoff
// that still have no order, oldest first
func (m *MemoryStore) ListUnfinalizedPaidSessions(ctx context.Context, paidBefore time.Time, limit int) ([]string, error) {
	m.Lock()
	defer m.Unlock()

	stuck := make([]*models.CheckoutSession, 0)
	for _, s := range m.sessions {
		if s.Status == models.CheckoutStatusPaid && s.PaidAt != nil && s.PaidAt.Before(paidBefore) {
			stuck = append(stuck, s)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].PaidAt.Before(*stuck[j].PaidAt)
	})

	ids := make([]string, 0, len(stuck))
	for _, s := range stuck {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// FinalizeSession moves a Paid session to Finalized and stores its order
func (m *MemoryStore) FinalizeSession(ctx context.Context, order *models.Order, finalizedAt time.Time) (*models.CheckoutSession, error) {
	m.Lock()
	defer m.Unlock()

	session, found := m.sessions[order.CheckoutSessionID]
	if !found {
		return nil, ErrNotFound
	}
	if session.Status != models.CheckoutStatusPaid {
		return nil, ErrStatusConflict
	}
	for _, existing := range m.orders {
		if existing.CheckoutSessionID == order.CheckoutSessionID {
			return nil, ErrStatusConflict
		}
	}

	order.CreatedAt = finalizedAt
	order.UpdatedAt = finalizedAt
	m.orders[order.ID] = order.Clone()

	orderID := order.ID
	session.Status = models.CheckoutStatusFinalized
	session.OrderID = &orderID
	session.FinalizedAt = &finalizedAt
	session.UpdatedAt = finalizedAt

	for _, item := range order.Items {
		if available, tracked := m.inventory[item.ProductID]; tracked {
			available -= item.Quantity
			if available < 0 {
				available = 0
			}
			m.inventory[item.ProductID] = available
		}
	}

	return session.Clone(), nil
}

// GetOrderByID returns a copy of the order
func (m *MemoryStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()

	order, found := m.orders[id]
	if !found {
		return nil, ErrNotFound
	}
	return order.Clone(), nil
}

// GetOrderBySessionID returns the order produced by a session
func (m *MemoryStore) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	m.Lock()
	defer m.Unlock()

	for _, order := range m.orders {
		if order.CheckoutSessionID == sessionID {
			return order.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// GetOrdersByUserID returns a user's orders, newest first
func (m *MemoryStore) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	m.Lock()
	defer m.Unlock()

	orders := make([]models.Order, 0)
	for _, order := range m.orders {
		if order.UserID == userID {
			orders = append(orders, *order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// MarkCartCleared records that the order's cart was emptied
func (m *MemoryStore) MarkCartCleared(ctx context.Context, orderID string, clearedAt time.Time) error {
	m.Lock()
	defer m.Unlock()

	order, found := m.orders[orderID]
	if !found || order.CartClearedAt != nil {
		return nil
	}
	order.CartClearedAt = &clearedAt
	order.UpdatedAt = clearedAt
	return nil
}

// ListUnclearedOrders returns orders created before the cutoff whose cart was
// never cleared, oldest first
func (m *MemoryStore) ListUnclearedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	m.Lock()
	defer m.Unlock()

	orders := make([]models.Order, 0)
	for _, order := range m.orders {
		if order.CartClearedAt == nil && order.CreatedAt.Before(createdBefore) {
			orders = append(orders, *order.Clone())
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// ListInventory returns tracked stock counts
func (m *MemoryStore) ListInventory(ctx context.Context) ([]models.Inventory, error) {
	m.Lock()
	defer m.Unlock()

	inventory := make([]models.Inventory, 0, len(m.inventory))
	for productID, available := range m.inventory {
		inventory = append(inventory, models.Inventory{ProductID: productID, Available: available})
	}
	sort.Slice(inventory, func(i, j int) bool {
		return inventory[i].ProductID < inventory[j].ProductID
	})
	return inventory, nil
}

// UpsertInventory sets the stock count for a product
func (m *MemoryStore) UpsertInventory(ctx context.Context, productID string, available int) error {
	m.Lock()
	defer m.Unlock()

	m.inventory[productID] = available
	return nil
}

// IsEventProcessed checks if an event has been processed
func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.Lock()
	defer m.Unlock()

	_, found := m.processed[eventID]
	return found, nil
}

// MarkEventProcessed marks an event as processed
func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.Lock()
	defer m.Unlock()

	m.processed[eventID] = eventType
	return nil
}

func (m *MemoryStore) transition(id string, expected models.CheckoutStatus, apply func(*models.CheckoutSession) bool) (*models.CheckoutSession, error) {
	m.Lock()
	defer m.Unlock()

	session, found := m.sessions[id]
	if !found {
		return nil, ErrNotFound
	}
	if session.Status != expected {
		return nil, ErrStatusConflict
	}

	updated := session.Clone()
	if !apply(updated) {
		return nil, ErrStatusConflict
	}
	m.sessions[id] = updated
	return updated.Clone(), nil
}
