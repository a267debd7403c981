package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const confirmTimeout = 30 * time.Second

// ManagerConfig holds checkout session settings
type ManagerConfig struct {
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
	SweepBatchSize int
}

// CheckoutSessionManager creates checkout sessions and advances them through payment
type CheckoutSessionManager struct {
	sessions    SessionStore
	carts       CartStore
	idempotency IdempotencyStore
	gateway     PaymentGateway
	publisher   EventPublisher
	cfg         ManagerConfig
	confirming  singleflight.Group
	now         Clock
	logger      *zap.Logger
}

// NewCheckoutSessionManager creates a new checkout session manager.
// idempotency and gateway may be nil.
func NewCheckoutSessionManager(
	sessions SessionStore,
	carts CartStore,
	idempotency IdempotencyStore,
	gateway PaymentGateway,
	publisher EventPublisher,
	cfg ManagerConfig,
) *CheckoutSessionManager {
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	return &CheckoutSessionManager{
		sessions:    sessions,
		carts:       carts,
		idempotency: idempotency,
		gateway:     gateway,
		publisher:   publisher,
		cfg:         cfg,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// WithClock replaces the time source
func (m *CheckoutSessionManager) WithClock(clock Clock) *CheckoutSessionManager {
	m.now = clock
	return m
}

// CreateCheckoutRequest represents a request to open a checkout session
type CreateCheckoutRequest struct {
	UserID          string
	Snapshot        models.CartSnapshot
	ShippingAddress models.ShippingAddress
	PaymentMethod   string
	IdempotencyKey  string
}

// Create opens a Pending session from a cart snapshot
func (m *CheckoutSessionManager) Create(ctx context.Context, req *CreateCheckoutRequest) (*models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSessionManager.Create")
	defer span.End()

	if req.UserID == "" {
		return nil, newError(KindUnauthenticated, "create", errors.New("no user context"))
	}

	total, err := validateSnapshot(req.Snapshot)
	if err != nil {
		util.CheckoutRejectedTotal.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}
	if err := req.ShippingAddress.Validate(); err != nil {
		util.CheckoutRejectedTotal.WithLabelValues(string(KindValidation)).Inc()
		return nil, newError(KindValidation, "create", err)
	}
	if req.PaymentMethod == "" {
		util.CheckoutRejectedTotal.WithLabelValues(string(KindValidation)).Inc()
		return nil, newError(KindValidation, "create", errors.New("payment method is required"))
	}

	sessionID := uuid.New().String()

	if req.IdempotencyKey != "" && m.idempotency != nil {
		existing, err := m.replayCreate(ctx, req, sessionID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	now := m.now().UTC()
	session := &models.CheckoutSession{
		ID:              sessionID,
		UserID:          req.UserID,
		Items:           req.Snapshot.Items.Clone(),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		TotalPrice:      total,
		Status:          models.CheckoutStatusPending,
		CreatedAt:       now,
	}

	if err := m.sessions.CreateCheckoutSession(ctx, session); err != nil {
		if req.IdempotencyKey != "" && m.idempotency != nil {
			if relErr := m.idempotency.ReleaseIdempotencyKey(ctx, idempotencyScope(req)); relErr != nil {
				m.logger.Error("Failed to release idempotency key",
					zap.String("idempotency_key", req.IdempotencyKey), zap.Error(relErr))
			}
		}
		return nil, newError(KindPersistence, "create", fmt.Errorf("failed to create session: %w", err))
	}

	util.CheckoutSessionsCreatedTotal.Inc()
	m.logger.Info("Checkout session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("total_price", session.TotalPrice.String()))

	event := &models.CheckoutCreatedEvent{
		BaseEvent:  eventBase(models.EventTypeCheckoutCreated, now),
		SessionID:  session.ID,
		UserID:     session.UserID,
		TotalPrice: session.TotalPrice,
		ItemCount:  len(session.Items),
	}
	if err := m.publisher.PublishCheckoutCreated(ctx, event); err != nil {
		m.logger.Error("Failed to publish CheckoutCreated event", zap.String("session_id", session.ID), zap.Error(err))
	}

	return session, nil
}

// replayCreate claims the idempotency key for sessionID. It returns the
// session bound to the key when another request claimed it first.
func (m *CheckoutSessionManager) replayCreate(ctx context.Context, req *CreateCheckoutRequest, sessionID string) (*models.CheckoutSession, error) {
	existingID, claimed, err := m.idempotency.ClaimIdempotencyKey(ctx, idempotencyScope(req), sessionID, m.cfg.IdempotencyTTL)
	if err != nil {
		return nil, newError(KindPersistence, "create", fmt.Errorf("failed to claim idempotency key: %w", err))
	}
	if claimed {
		return nil, nil
	}

	session, err := m.sessions.GetCheckoutSession(ctx, existingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindPersistence, "create",
			"request with idempotency key %q is still in progress", req.IdempotencyKey)
	}
	if err != nil {
		return nil, newError(KindPersistence, "create", err)
	}

	m.logger.Info("Duplicate checkout request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("session_id", session.ID))
	return session, nil
}

func idempotencyScope(req *CreateCheckoutRequest) string {
	return "checkout:" + req.UserID + ":" + req.IdempotencyKey
}

// CreateFromCart snapshots the user's stored cart and opens a session from it
func (m *CheckoutSessionManager) CreateFromCart(ctx context.Context, userID string, address models.ShippingAddress, paymentMethod, idempotencyKey string) (*models.CheckoutSession, error) {
	if userID == "" {
		return nil, newError(KindUnauthenticated, "create", errors.New("no user context"))
	}

	cart, err := m.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, newError(KindPersistence, "create", fmt.Errorf("failed to fetch cart: %w", err))
	}
	if cart == nil || len(cart.Products) == 0 {
		return nil, newError(KindEmptyCart, "create", errors.New("cart has no items"))
	}

	return m.Create(ctx, &CreateCheckoutRequest{
		UserID:          userID,
		Snapshot:        cart.Snapshot(),
		ShippingAddress: address,
		PaymentMethod:   paymentMethod,
		IdempotencyKey:  idempotencyKey,
	})
}

// Get returns a session owned by userID
func (m *CheckoutSessionManager) Get(ctx context.Context, userID, sessionID string) (*models.CheckoutSession, error) {
	session, err := loadSession(ctx, m.sessions, "get", sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, errorf(KindSessionNotFound, "get", "checkout session %s not found", sessionID)
	}
	return session, nil
}

// MarkPaid records the payment confirmation and moves the session to Paid.
// Replaying the same payment reference returns the session unchanged.
func (m *CheckoutSessionManager) MarkPaid(ctx context.Context, sessionID string, details models.PaymentDetails) (*models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSessionManager.MarkPaid", attribute.String("session_id", sessionID))
	defer span.End()

	if details.Reference == "" {
		return nil, newError(KindValidation, "markPaid", errors.New("payment reference is required"))
	}

	session, err := loadSession(ctx, m.sessions, "markPaid", sessionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(session.Status, models.CheckoutStatusPaid) {
		return m.resolvePaid(session, details)
	}

	now := m.now().UTC()
	updated, err := m.sessions.MarkSessionPaid(ctx, sessionID, details, now)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		current, err := loadSession(ctx, m.sessions, "markPaid", sessionID)
		if err != nil {
			return nil, err
		}
		return m.resolvePaid(current, details)
	case errors.Is(err, store.ErrNotFound):
		return nil, errorf(KindSessionNotFound, "markPaid", "checkout session %s not found", sessionID)
	case err != nil:
		return nil, newError(KindPersistence, "markPaid", fmt.Errorf("failed to mark session paid: %w", err))
	}

	util.CheckoutSessionsPaidTotal.Inc()
	m.logger.Info("Checkout session paid",
		zap.String("session_id", updated.ID),
		zap.String("user_id", updated.UserID),
		zap.String("payment_ref", details.Reference))

	event := &models.CheckoutPaidEvent{
		BaseEvent:  eventBase(models.EventTypeCheckoutPaid, now),
		SessionID:  updated.ID,
		UserID:     updated.UserID,
		PaymentRef: details.Reference,
	}
	if err := m.publisher.PublishCheckoutPaid(ctx, event); err != nil {
		m.logger.Error("Failed to publish CheckoutPaid event", zap.String("session_id", updated.ID), zap.Error(err))
	}

	return updated, nil
}

// resolvePaid decides the outcome of markPaid on a session that is no longer Pending
func (m *CheckoutSessionManager) resolvePaid(session *models.CheckoutSession, details models.PaymentDetails) (*models.CheckoutSession, error) {
	switch {
	case hasPaid(session.Status):
		if session.PaymentDetails != nil && session.PaymentDetails.Reference == details.Reference {
			m.logger.Info("Duplicate payment confirmation ignored",
				zap.String("session_id", session.ID),
				zap.String("payment_ref", details.Reference))
			return session, nil
		}

		recorded := ""
		if session.PaymentDetails != nil {
			recorded = session.PaymentDetails.Reference
		}
		util.PaymentConflictsTotal.Inc()
		m.logger.Error("Payment conflict: session already paid with a different reference",
			zap.String("session_id", session.ID),
			zap.String("recorded_payment_ref", recorded),
			zap.String("incoming_payment_ref", details.Reference))
		return nil, errorf(KindPaymentConflict, "markPaid",
			"session %s already paid with reference %q, refusing %q", session.ID, recorded, details.Reference)

	case CanTransition(session.Status, models.CheckoutStatusPaid):
		return nil, errorf(KindPersistence, "markPaid", "session %s changed concurrently, retry", session.ID)
	}

	return nil, invalidTransition("markPaid", session, models.CheckoutStatusPaid)
}

// MarkFailed moves a Pending session to Failed after a payment failure.
// Repeating it on a Failed session is a no-op.
func (m *CheckoutSessionManager) MarkFailed(ctx context.Context, sessionID, reason string) (*models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSessionManager.MarkFailed", attribute.String("session_id", sessionID))
	defer span.End()

	if reason == "" {
		reason = "payment_failed"
	}

	session, err := loadSession(ctx, m.sessions, "markFailed", sessionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(session.Status, models.CheckoutStatusFailed) {
		return resolveFailed(session)
	}

	now := m.now().UTC()
	updated, err := m.sessions.MarkSessionFailed(ctx, sessionID, reason, now)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		current, err := loadSession(ctx, m.sessions, "markFailed", sessionID)
		if err != nil {
			return nil, err
		}
		return resolveFailed(current)
	case errors.Is(err, store.ErrNotFound):
		return nil, errorf(KindSessionNotFound, "markFailed", "checkout session %s not found", sessionID)
	case err != nil:
		return nil, newError(KindPersistence, "markFailed", fmt.Errorf("failed to mark session failed: %w", err))
	}

	util.CheckoutSessionsFailedTotal.Inc()
	m.logger.Warn("Checkout session payment failed",
		zap.String("session_id", updated.ID),
		zap.String("reason", reason))

	event := &models.CheckoutFailedEvent{
		BaseEvent: eventBase(models.EventTypeCheckoutFailed, now),
		SessionID: updated.ID,
		UserID:    updated.UserID,
		Reason:    reason,
	}
	if err := m.publisher.PublishCheckoutFailed(ctx, event); err != nil {
		m.logger.Error("Failed to publish CheckoutFailed event", zap.String("session_id", updated.ID), zap.Error(err))
	}

	return updated, nil
}

func resolveFailed(session *models.CheckoutSession) (*models.CheckoutSession, error) {
	if session.Status == models.CheckoutStatusFailed {
		return session, nil
	}
	if CanTransition(session.Status, models.CheckoutStatusFailed) {
		return nil, errorf(KindPersistence, "markFailed", "session %s changed concurrently, retry", session.ID)
	}
	return nil, invalidTransition("markFailed", session, models.CheckoutStatusFailed)
}

// ConfirmPayment asks the payment gateway to confirm the session and routes
// the outcome through MarkPaid or MarkFailed. Concurrent calls for one session
// share a single gateway call.
func (m *CheckoutSessionManager) ConfirmPayment(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	v, err, _ := m.confirming.Do(sessionID, func() (interface{}, error) {
		confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
		defer cancel()
		return m.confirmPayment(confirmCtx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CheckoutSession).Clone(), nil
}

func (m *CheckoutSessionManager) confirmPayment(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSessionManager.ConfirmPayment", attribute.String("session_id", sessionID))
	defer span.End()

	session, err := loadSession(ctx, m.sessions, "confirmPayment", sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case hasPaid(session.Status):
		return session, nil
	case !CanTransition(session.Status, models.CheckoutStatusPaid):
		return nil, invalidTransition("confirmPayment", session, models.CheckoutStatusPaid)
	case m.gateway == nil:
		return nil, newError(KindPaymentGateway, "confirmPayment", errors.New("no payment gateway configured"))
	}

	details, err := m.gateway.ConfirmPayment(ctx, session)
	if declined, ok := IsPaymentDeclined(err); ok {
		return m.MarkFailed(ctx, sessionID, declined.Reason)
	}
	if err != nil {
		return nil, newError(KindPaymentGateway, "confirmPayment", err)
	}

	return m.MarkPaid(ctx, sessionID, *details)
}

// HandlePaymentConfirmed consumes an asynchronous payment confirmation
func (m *CheckoutSessionManager) HandlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) (*models.CheckoutSession, error) {
	return m.MarkPaid(ctx, event.SessionID, event.Details)
}

// HandlePaymentFailed consumes an asynchronous payment failure
func (m *CheckoutSessionManager) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) (*models.CheckoutSession, error) {
	return m.MarkFailed(ctx, event.SessionID, event.Reason)
}

// Expire moves a Pending session older than the TTL to Expired. Any other
// session is returned unchanged.
func (m *CheckoutSessionManager) Expire(ctx context.Context, sessionID string) (*models.CheckoutSession, error) {
	session, err := loadSession(ctx, m.sessions, "expire", sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	cutoff := now.Add(-m.cfg.SessionTTL)
	if !CanTransition(session.Status, models.CheckoutStatusExpired) || !session.CreatedAt.Before(cutoff) {
		return session, nil
	}

	updated, err := m.sessions.ExpireSession(ctx, sessionID, cutoff, now)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		return loadSession(ctx, m.sessions, "expire", sessionID)
	case errors.Is(err, store.ErrNotFound):
		return nil, errorf(KindSessionNotFound, "expire", "checkout session %s not found", sessionID)
	case err != nil:
		return nil, newError(KindPersistence, "expire", fmt.Errorf("failed to expire session: %w", err))
	}

	util.CheckoutSessionsExpiredTotal.Inc()
	m.logger.Info("Checkout session expired",
		zap.String("session_id", updated.ID),
		zap.Time("created_at", updated.CreatedAt))

	event := &models.CheckoutExpiredEvent{
		BaseEvent: eventBase(models.EventTypeCheckoutExpired, now),
		SessionID: updated.ID,
		UserID:    updated.UserID,
	}
	if err := m.publisher.PublishCheckoutExpired(ctx, event); err != nil {
		m.logger.Error("Failed to publish CheckoutExpired event", zap.String("session_id", updated.ID), zap.Error(err))
	}

	return updated, nil
}

// ExpireStale expires one batch of stale Pending sessions and returns how many moved
func (m *CheckoutSessionManager) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutSessionManager.ExpireStale")
	defer span.End()

	cutoff := m.now().UTC().Add(-m.cfg.SessionTTL)
	ids, err := m.sessions.ListStalePendingSessions(ctx, cutoff, m.cfg.SweepBatchSize)
	if err != nil {
		return 0, newError(KindPersistence, "expire", fmt.Errorf("failed to list stale sessions: %w", err))
	}

	expired := 0
	for _, id := range ids {
		session, err := m.Expire(ctx, id)
		if err != nil {
			m.logger.Error("Failed to expire session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if session.Status == models.CheckoutStatusExpired {
			expired++
		}
	}

	return expired, nil
}
