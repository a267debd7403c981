package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	util.SetLogger(zap.NewNop())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	cart   []*models.CartClearRequestedEvent
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) PublishCheckoutCreated(ctx context.Context, e *models.CheckoutCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishCheckoutPaid(ctx context.Context, e *models.CheckoutPaidEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishCheckoutFailed(ctx context.Context, e *models.CheckoutFailedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishCheckoutExpired(ctx context.Context, e *models.CheckoutExpiredEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderFinalized(ctx context.Context, e *models.OrderFinalizedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishCartClearRequested(ctx context.Context, e *models.CartClearRequestedEvent) error {
	p.mu.Lock()
	p.cart = append(p.cart, e)
	p.mu.Unlock()
	return p.record(e.EventType)
}

type fakeCarts struct {
	mu       sync.Mutex
	carts    map[string]*models.Cart
	clearErr error
	cleared  []string
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{carts: map[string]*models.Cart{}}
}

func (f *fakeCarts) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cart, ok := f.carts[userID]; ok {
		c := *cart
		return &c, nil
	}
	return &models.Cart{UserID: userID}, nil
}

func (f *fakeCarts) ClearCart(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	delete(f.carts, userID)
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: map[string]string{}}
}

func (f *fakeIdempotency) ClaimIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.keys[key]; ok {
		return existing, false, nil
	}
	f.keys[key] = value
	return value, true, nil
}

func (f *fakeIdempotency) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fakeGateway struct {
	details *models.PaymentDetails
	err     error
}

func (f *fakeGateway) ConfirmPayment(ctx context.Context, session *models.CheckoutSession) (*models.PaymentDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.details, nil
}

// failingStore fails every write after the wrapped store reads succeed
type failingStore struct {
	*store.MemoryStore
	err error
}

func (f *failingStore) CreateCheckoutSession(ctx context.Context, session *models.CheckoutSession) error {
	return f.err
}

var errStoreDown = errors.New("store down")

type fixture struct {
	store       *store.MemoryStore
	carts       *fakeCarts
	idempotency *fakeIdempotency
	gateway     *fakeGateway
	publisher   *recordingPublisher
	manager     *CheckoutSessionManager
	finalizer   *OrderFinalizer
	now         time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:       store.NewMemoryStore(),
		carts:       newFakeCarts(),
		idempotency: newFakeIdempotency(),
		gateway:     &fakeGateway{details: &models.PaymentDetails{Reference: "gw-1"}},
		publisher:   &recordingPublisher{},
		now:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.manager = NewCheckoutSessionManager(f.store, f.carts, f.idempotency, f.gateway, f.publisher, ManagerConfig{
		SessionTTL:     30 * time.Minute,
		IdempotencyTTL: time.Hour,
	}).WithClock(clock)
	f.finalizer = NewOrderFinalizer(f.store, f.carts, f.publisher, nil).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func shirts(quantity int) models.CheckoutItems {
	return models.CheckoutItems{
		{ProductID: "p1", Name: "Shirt", Price: decimal.NewFromInt(20), Quantity: quantity},
	}
}

func address() models.ShippingAddress {
	return models.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}

func createRequest(userID string, items models.CheckoutItems, subtotal decimal.Decimal) *CreateCheckoutRequest {
	return &CreateCheckoutRequest{
		UserID:          userID,
		Snapshot:        models.NewCartSnapshot(items, subtotal),
		ShippingAddress: address(),
		PaymentMethod:   "Paypal",
	}
}

func (f *fixture) pendingSession(userID string) *models.CheckoutSession {
	session, err := f.manager.Create(context.Background(), createRequest(userID, shirts(2), decimal.NewFromInt(40)))
	if err != nil {
		panic(err)
	}
	return session
}

func (f *fixture) paidSession(userID, ref string) *models.CheckoutSession {
	session := f.pendingSession(userID)
	paid, err := f.manager.MarkPaid(context.Background(), session.ID, models.PaymentDetails{Reference: ref})
	if err != nil {
		panic(err)
	}
	return paid
}
