package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkoutStore is the behaviour both backends must share
type checkoutStore interface {
	CreateCheckoutSession(ctx context.Context, session *models.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	MarkSessionPaid(ctx context.Context, id string, details models.PaymentDetails, paidAt time.Time) (*models.CheckoutSession, error)
	MarkSessionFailed(ctx context.Context, id, reason string, failedAt time.Time) (*models.CheckoutSession, error)
	ExpireSession(ctx context.Context, id string, createdBefore, expiredAt time.Time) (*models.CheckoutSession, error)
	ListStalePendingSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	ListUnfinalizedPaidSessions(ctx context.Context, paidBefore time.Time, limit int) ([]string, error)
	FinalizeSession(ctx context.Context, order *models.Order, finalizedAt time.Time) (*models.CheckoutSession, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	MarkCartCleared(ctx context.Context, orderID string, clearedAt time.Time) error
	ListUnclearedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
	ListInventory(ctx context.Context) ([]models.Inventory, error)
	UpsertInventory(ctx context.Context, productID string, available int) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSession(userID string, createdAt time.Time) *models.CheckoutSession {
	return &models.CheckoutSession{
		ID:     uuid.New().String(),
		UserID: userID,
		Items: models.CheckoutItems{
			{ProductID: "p1", Name: "Shirt", Price: decimal.NewFromInt(20), Quantity: 2},
		},
		ShippingAddress: models.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		PaymentMethod:   "Paypal",
		TotalPrice:      decimal.NewFromInt(40),
		Status:          models.CheckoutStatusPending,
		CreatedAt:       createdAt,
	}
}

func newOrder(session *models.CheckoutSession) *models.Order {
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

func runStoreContract(t *testing.T, newStore func(t *testing.T) checkoutStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		session := newSession("u1", t0)

		require.NoError(t, s.CreateCheckoutSession(ctx, session))

		got, err := s.GetCheckoutSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, models.CheckoutStatusPending, got.Status)
		assert.True(t, got.TotalPrice.Equal(decimal.NewFromInt(40)))
		require.Len(t, got.Items, 1)
		assert.Equal(t, "p1", got.Items[0].ProductID)
		assert.Equal(t, "Springfield", got.ShippingAddress.City)

		_, err = s.GetCheckoutSession(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark paid is a compare-and-set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))

		paid, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx1"}, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, models.CheckoutStatusPaid, paid.Status)
		require.NotNil(t, paid.PaymentDetails)
		assert.Equal(t, "tx1", paid.PaymentDetails.Reference)
		require.NotNil(t, paid.PaidAt)

		_, err = s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx2"}, t0.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = s.MarkSessionPaid(ctx, uuid.New().String(), models.PaymentDetails{Reference: "tx1"}, t0)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetCheckoutSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "tx1", got.PaymentDetails.Reference)
	})

	t.Run("concurrent mark paid has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))

		const n = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: uuid.New().String()}, t0)
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				} else {
					assert.True(t, errors.Is(err, ErrStatusConflict), err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("failed and expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		failing := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, failing))
		failed, err := s.MarkSessionFailed(ctx, failing.ID, "declined", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, models.CheckoutStatusFailed, failed.Status)
		require.NotNil(t, failed.FailureReason)
		assert.Equal(t, "declined", *failed.FailureReason)

		stale := newSession("u1", t0)
		fresh := newSession("u1", t0.Add(time.Hour))
		require.NoError(t, s.CreateCheckoutSession(ctx, stale))
		require.NoError(t, s.CreateCheckoutSession(ctx, fresh))

		cutoff := t0.Add(30 * time.Minute)
		ids, err := s.ListStalePendingSessions(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{stale.ID}, ids)

		_, err = s.ExpireSession(ctx, fresh.ID, cutoff, cutoff)
		assert.ErrorIs(t, err, ErrStatusConflict)

		expired, err := s.ExpireSession(ctx, stale.ID, cutoff, cutoff)
		require.NoError(t, err)
		assert.Equal(t, models.CheckoutStatusExpired, expired.Status)
		require.NotNil(t, expired.ExpiredAt)

		_, err = s.MarkSessionPaid(ctx, stale.ID, models.PaymentDetails{Reference: "tx1"}, cutoff)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("finalize creates exactly one order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertInventory(ctx, "p1", 3))

		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))

		_, err := s.FinalizeSession(ctx, newOrder(session), t0)
		assert.ErrorIs(t, err, ErrStatusConflict)

		paid, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx1"}, t0)
		require.NoError(t, err)

		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		var created []string
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				order := newOrder(paid)
				_, err := s.FinalizeSession(ctx, order, t0.Add(time.Minute))
				if err == nil {
					mu.Lock()
					created = append(created, order.ID)
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ErrStatusConflict), err)
			}()
		}
		wg.Wait()
		require.Len(t, created, 1)

		finalized, err := s.GetCheckoutSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CheckoutStatusFinalized, finalized.Status)
		require.NotNil(t, finalized.OrderID)
		assert.Equal(t, created[0], *finalized.OrderID)

		order, err := s.GetOrderBySessionID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, created[0], order.ID)
		assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
		assert.True(t, order.TotalPrice.Equal(decimal.NewFromInt(40)))

		byID, err := s.GetOrderByID(ctx, created[0])
		require.NoError(t, err)
		assert.Equal(t, session.ID, byID.CheckoutSessionID)

		orders, err := s.GetOrdersByUserID(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, orders, 1)

		inventory, err := s.ListInventory(ctx)
		require.NoError(t, err)
		require.Len(t, inventory, 1)
		assert.Equal(t, 1, inventory[0].Available)

		_, err = s.GetOrderByID(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stock never goes negative", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertInventory(ctx, "p1", 1))

		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))
		paid, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx1"}, t0)
		require.NoError(t, err)
		_, err = s.FinalizeSession(ctx, newOrder(paid), t0)
		require.NoError(t, err)

		inventory, err := s.ListInventory(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, inventory[0].Available)
	})

	t.Run("unfinalized paid sessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))
		_, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx1"}, t0)
		require.NoError(t, err)

		ids, err := s.ListUnfinalizedPaidSessions(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{session.ID}, ids)

		ids, err = s.ListUnfinalizedPaidSessions(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("cart cleared tracking", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		session := newSession("u1", t0)
		require.NoError(t, s.CreateCheckoutSession(ctx, session))
		paid, err := s.MarkSessionPaid(ctx, session.ID, models.PaymentDetails{Reference: "tx1"}, t0)
		require.NoError(t, err)
		order := newOrder(paid)
		_, err = s.FinalizeSession(ctx, order, t0)
		require.NoError(t, err)

		orders, err := s.ListUnclearedOrders(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, orders)

		orders, err = s.ListUnclearedOrders(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, order.ID, orders[0].ID)
		assert.Nil(t, orders[0].CartClearedAt)

		require.NoError(t, s.MarkCartCleared(ctx, order.ID, t0.Add(time.Second)))
		require.NoError(t, s.MarkCartCleared(ctx, order.ID, t0.Add(time.Hour)))

		orders, err = s.ListUnclearedOrders(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, orders)

		stored, err := s.GetOrderByID(ctx, order.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.CartClearedAt)
		assert.True(t, stored.CartClearedAt.Equal(t0.Add(time.Second)))
	})

	t.Run("processed events", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		eventID := uuid.New().String()

		processed, err := s.IsEventProcessed(ctx, eventID)
		require.NoError(t, err)
		assert.False(t, processed)

		require.NoError(t, s.MarkEventProcessed(ctx, eventID, models.EventTypePaymentConfirmed))
		require.NoError(t, s.MarkEventProcessed(ctx, eventID, models.EventTypePaymentConfirmed))

		processed, err = s.IsEventProcessed(ctx, eventID)
		require.NoError(t, err)
		assert.True(t, processed)
	})
}
