package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

type testEnv struct {
	router    *gin.Engine
	store     *store.MemoryStore
	redis     *redisclient.Client
	manager   *service.CheckoutSessionManager
	finalizer *service.OrderFinalizer
}

func newTestEnv(t *testing.T, gatewaySuccessRate float64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	rc := redisclient.NewFromRedis(rdb)

	st := store.NewMemoryStore()
	publisher := broker.NewEventPublisher(broker.NewLogPublisher(), broker.NewLogPublisher())
	gw := gateway.NewBreakerGateway(gateway.NewSimulatedGateway(gatewaySuccessRate).WithoutDelay(), gateway.BreakerConfig{})

	manager := service.NewCheckoutSessionManager(st, rc, rc, gw, publisher, service.ManagerConfig{
		SessionTTL:     30 * time.Minute,
		IdempotencyTTL: time.Hour,
	})
	finalizer := service.NewOrderFinalizer(st, rc, publisher, service.NewInventoryClient(st, rc))

	router := gin.New()
	NewHandler(manager, finalizer, map[string]Pinger{"store": st, "redis": rc}).
		SetupRoutes(router, JWTAuth(testSecret))

	return &testEnv{router: router, store: st, redis: rc, manager: manager, finalizer: finalizer}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := SignToken(testSecret, user, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type sessionResponse struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	OrderID    *string         `json:"orderId"`
}

type orderResponse struct {
	ID                string          `json:"id"`
	CheckoutSessionID string          `json:"checkoutSessionId"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
	PaymentStatus     string          `json:"paymentStatus"`
	Status            string          `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func checkoutBody(price, quantity int64, total string) gin.H {
	return gin.H{
		"checkoutItems": []gin.H{
			{"productId": "p1", "name": "Shirt", "price": price, "quantity": quantity},
		},
		"shippingAddress": gin.H{
			"address":    "1 Main St",
			"city":       "Springfield",
			"postalCode": "12345",
			"country":    "US",
		},
		"paymentMethod": "Paypal",
		"totalPrice":    json.Number(total),
	}
}

func (e *testEnv) createSession(t *testing.T, user string) sessionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/checkout", user, checkoutBody(20, 2, "40"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var session sessionResponse
	decode(t, w, &session)
	return session
}

func (e *testEnv) paySession(t *testing.T, user, sessionID, ref string) *httptest.ResponseRecorder {
	return e.do(t, http.MethodPut, "/checkout/"+sessionID+"/pay", user, gin.H{
		"paymentStatus":  "paid",
		"paymentDetails": gin.H{"ref": ref, "status": "COMPLETED"},
	})
}

func TestCheckoutToOrder(t *testing.T) {
	e := newTestEnv(t, 1)
	ctx := context.Background()

	require.NoError(t, e.redis.SaveCart(ctx, &models.Cart{
		UserID: "u1",
		Products: models.CheckoutItems{
			{ProductID: "p1", Name: "Shirt", Price: decimal.NewFromInt(20), Quantity: 2},
		},
	}))
	require.NoError(t, e.store.UpsertInventory(ctx, "p1", 10))

	session := e.createSession(t, "u1")
	assert.Equal(t, "Pending", session.Status)
	assert.True(t, session.TotalPrice.Equal(decimal.NewFromInt(40)))

	w := e.paySession(t, "u1", session.ID, "tx1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid sessionResponse
	decode(t, w, &paid)
	assert.Equal(t, "Paid", paid.Status)

	w = e.do(t, http.MethodPost, "/checkout/"+session.ID+"/finalize", "u1", gin.H{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order orderResponse
	decode(t, w, &order)
	assert.Equal(t, session.ID, order.CheckoutSessionID)
	assert.True(t, order.TotalPrice.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, "paid", order.PaymentStatus)
	assert.Equal(t, "Processing", order.Status)

	cart, err := e.redis.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, cart.Products)

	inventory, err := e.store.ListInventory(ctx)
	require.NoError(t, err)
	require.Len(t, inventory, 1)
	assert.Equal(t, 8, inventory[0].Available)

	w = e.do(t, http.MethodGet, "/checkout/"+session.ID, "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var finalized sessionResponse
	decode(t, w, &finalized)
	assert.Equal(t, "Finalized", finalized.Status)
	require.NotNil(t, finalized.OrderID)
	assert.Equal(t, order.ID, *finalized.OrderID)

	w = e.do(t, http.MethodGet, "/orders/"+order.ID, "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/orders/"+order.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateCheckout_Unauthenticated(t *testing.T) {
	e := newTestEnv(t, 1)

	w := e.do(t, http.MethodPost, "/checkout", "", checkoutBody(20, 2, "40"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp errorResponse
	decode(t, w, &resp)
	assert.Equal(t, "Unauthenticated", resp.Error)
}

func TestCreateCheckout_Rejections(t *testing.T) {
	e := newTestEnv(t, 1)

	w := e.do(t, http.MethodPost, "/checkout", "u1", gin.H{
		"checkoutItems":   []gin.H{},
		"shippingAddress": gin.H{"address": "a", "city": "b", "postalCode": "c", "country": "d"},
		"paymentMethod":   "Paypal",
		"totalPrice":      0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	decode(t, w, &resp)
	assert.Equal(t, "EmptyCart", resp.Error)

	w = e.do(t, http.MethodPost, "/checkout", "u1", checkoutBody(20, 2, "34.99"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "ValidationError", resp.Error)

	w = e.do(t, http.MethodPost, "/checkout/cart", "u1", gin.H{
		"shippingAddress": gin.H{"address": "a", "city": "b", "postalCode": "c", "country": "d"},
		"paymentMethod":   "Paypal",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "EmptyCart", resp.Error)
}

func TestCreateCheckout_IdempotencyKey(t *testing.T) {
	e := newTestEnv(t, 1)

	first := e.do(t, http.MethodPost, "/checkout", "u1", checkoutBody(20, 2, "40"), "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := e.do(t, http.MethodPost, "/checkout", "u1", checkoutBody(20, 2, "40"), "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b sessionResponse
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, a.ID, b.ID)

	// keys are scoped per user
	other := e.do(t, http.MethodPost, "/checkout", "u2", checkoutBody(20, 2, "40"), "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, other.Code)
	var c sessionResponse
	decode(t, other, &c)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestFinalize_PendingSession(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	w := e.do(t, http.MethodPost, "/checkout/"+session.ID+"/finalize", "u1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	decode(t, w, &resp)
	assert.Equal(t, "InvalidStateTransition", resp.Error)

	w = e.do(t, http.MethodGet, "/orders", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []orderResponse
	decode(t, w, &orders)
	assert.Empty(t, orders)
}

func TestPay_DuplicateAndConflict(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	require.Equal(t, http.StatusOK, e.paySession(t, "u1", session.ID, "tx1").Code)
	assert.Equal(t, http.StatusOK, e.paySession(t, "u1", session.ID, "tx1").Code)

	w := e.paySession(t, "u1", session.ID, "tx2")
	assert.Equal(t, http.StatusConflict, w.Code)
	var resp errorResponse
	decode(t, w, &resp)
	assert.Equal(t, "PaymentConflict", resp.Error)

	w = e.do(t, http.MethodPut, "/checkout/"+session.ID+"/pay", "u1", gin.H{
		"paymentStatus":  "paid",
		"paymentDetails": gin.H{"status": "COMPLETED"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPay_Failed(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	w := e.do(t, http.MethodPut, "/checkout/"+session.ID+"/pay", "u1", gin.H{"paymentStatus": "failed"})
	require.Equal(t, http.StatusOK, w.Code)
	var failed sessionResponse
	decode(t, w, &failed)
	assert.Equal(t, "Failed", failed.Status)

	w = e.paySession(t, "u1", session.ID, "tx1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPay_UnknownStatusLeavesSessionPending(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	for _, body := range []gin.H{
		{"paymentDetails": gin.H{"ref": "tx1"}},
		{"paymentStatus": "", "paymentDetails": gin.H{"ref": "tx1"}},
		{"paymentStatus": "PAID", "paymentDetails": gin.H{"ref": "tx1"}},
	} {
		w := e.do(t, http.MethodPut, "/checkout/"+session.ID+"/pay", "u1", body)
		require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

		var resp errorResponse
		decode(t, w, &resp)
		assert.Equal(t, "ValidationError", resp.Error)
	}

	stored, err := e.store.GetCheckoutSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusPending, stored.Status)

	w := e.do(t, http.MethodPut, "/checkout/"+session.ID+"/pay", "u1", gin.H{
		"paymentStatus":  "paid",
		"paymentDetails": gin.H{"ref": "tx1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var paid sessionResponse
	decode(t, w, &paid)
	assert.Equal(t, "Paid", paid.Status)
}

func TestSessionOwnership(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/checkout/"+session.ID, "u2", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.paySession(t, "u2", session.ID, "tx1").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/checkout/missing", "u1", nil).Code)
}

func TestFinalize_ConcurrentCallsCreateOneOrder(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")
	require.Equal(t, http.StatusOK, e.paySession(t, "u1", session.ID, "tx1").Code)

	const n = 10
	ids := make([]string, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := e.do(t, http.MethodPost, "/checkout/"+session.ID+"/finalize", "u1", gin.H{})
			codes[i] = w.Code
			var order orderResponse
			if json.Unmarshal(w.Body.Bytes(), &order) == nil {
				ids[i] = order.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusCreated, codes[i])
		assert.Equal(t, ids[0], ids[i])
	}

	orders, err := e.store.GetOrdersByUserID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestConfirm_ThroughGateway(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	w := e.do(t, http.MethodPost, "/checkout/"+session.ID+"/confirm", "u1", gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid sessionResponse
	decode(t, w, &paid)
	assert.Equal(t, "Paid", paid.Status)
}

func TestConfirm_Declined(t *testing.T) {
	e := newTestEnv(t, 0)
	session := e.createSession(t, "u1")

	w := e.do(t, http.MethodPost, "/checkout/"+session.ID+"/confirm", "u1", gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var failed sessionResponse
	decode(t, w, &failed)
	assert.Equal(t, "Failed", failed.Status)
}

func TestExpiredSessionRejectsPayAndFinalize(t *testing.T) {
	e := newTestEnv(t, 1)
	session := e.createSession(t, "u1")

	e.manager.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	expired, err := e.manager.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, http.StatusBadRequest, e.paySession(t, "u1", session.ID, "tx1").Code)
	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, "/checkout/"+session.ID+"/finalize", "u1", gin.H{}).Code)
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t, 1)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/ready", "", nil).Code)
}

func TestJWTAuth_RejectsBadTokens(t *testing.T) {
	e := newTestEnv(t, 1)

	token, err := SignToken([]byte("other-secret"), "u1", jwt.RegisteredClaims{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := SignToken(testSecret, "u1", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
