package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	manager   *service.CheckoutSessionManager
	finalizer *service.OrderFinalizer
	deps      map[string]Pinger
}

// NewHandler creates a new HTTP handler. deps are checked by /ready.
func NewHandler(manager *service.CheckoutSessionManager, finalizer *service.OrderFinalizer, deps map[string]Pinger) *Handler {
	return &Handler{
		manager:   manager,
		finalizer: finalizer,
		deps:      deps,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	if gin.Mode() != gin.TestMode {
		router.Use(gin.Logger())
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	checkout := router.Group("/checkout", auth)
	{
		checkout.POST("", h.createCheckout)
		checkout.POST("/cart", h.createCheckoutFromCart)
		checkout.GET("/:id", h.getCheckout)
		checkout.PUT("/:id/pay", h.payCheckout)
		checkout.POST("/:id/confirm", h.confirmCheckout)
		checkout.POST("/:id/finalize", h.finalizeCheckout)
	}

	orders := router.Group("/orders", auth)
	{
		orders.GET("", h.listOrders)
		orders.GET("/:id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failing,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createCheckoutRequest struct {
	CheckoutItems   []models.CheckoutItem  `json:"checkoutItems"`
	ShippingAddress models.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	TotalPrice      decimal.Decimal        `json:"totalPrice"`
}

// createCheckout handles checkout session creation from a client cart snapshot
func (h *Handler) createCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	session, err := h.manager.Create(c.Request.Context(), &service.CreateCheckoutRequest{
		UserID:          userID(c),
		Snapshot:        models.NewCartSnapshot(req.CheckoutItems, req.TotalPrice),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

type createFromCartRequest struct {
	ShippingAddress models.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
}

// createCheckoutFromCart handles checkout session creation from the stored cart
func (h *Handler) createCheckoutFromCart(c *gin.Context) {
	var req createFromCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	session, err := h.manager.CreateFromCart(c.Request.Context(), userID(c),
		req.ShippingAddress, req.PaymentMethod, c.GetHeader("Idempotency-Key"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// getCheckout handles get checkout session by ID
func (h *Handler) getCheckout(c *gin.Context) {
	session, err := h.manager.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// failedPaymentStatuses are the client-reported outcomes that end a checkout
var failedPaymentStatuses = map[string]bool{
	"failed":    true,
	"declined":  true,
	"cancelled": true,
	"canceled":  true,
}

type payCheckoutRequest struct {
	PaymentStatus  string          `json:"paymentStatus"`
	PaymentDetails json.RawMessage `json:"paymentDetails"`
	FailureReason  string          `json:"failureReason"`
}

// payCheckout records the client-relayed payment outcome
func (h *Handler) payCheckout(c *gin.Context) {
	var req payCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	if req.PaymentStatus != models.PaymentStatusPaid && !failedPaymentStatuses[req.PaymentStatus] {
		respondValidation(c, "unsupported paymentStatus "+strconv.Quote(req.PaymentStatus))
		return
	}

	sessionID := c.Param("id")
	if _, err := h.manager.Get(c.Request.Context(), userID(c), sessionID); err != nil {
		respondError(c, err)
		return
	}

	var (
		session *models.CheckoutSession
		err     error
	)
	switch {
	case req.PaymentStatus == models.PaymentStatusPaid:
		details, parseErr := models.ParsePaymentDetails(req.PaymentDetails)
		if parseErr != nil {
			respondValidation(c, parseErr.Error())
			return
		}
		if details.Status == "" {
			details.Status = req.PaymentStatus
		}
		session, err = h.manager.MarkPaid(c.Request.Context(), sessionID, details)
	default:
		reason := req.FailureReason
		if reason == "" {
			reason = "payment_" + req.PaymentStatus
		}
		session, err = h.manager.MarkFailed(c.Request.Context(), sessionID, reason)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// confirmCheckout confirms payment through the payment gateway
func (h *Handler) confirmCheckout(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.manager.Get(c.Request.Context(), userID(c), sessionID); err != nil {
		respondError(c, err)
		return
	}

	session, err := h.manager.ConfirmPayment(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// finalizeCheckout turns a paid session into an order
func (h *Handler) finalizeCheckout(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.manager.Get(c.Request.Context(), userID(c), sessionID); err != nil {
		respondError(c, err)
		return
	}

	order, err := h.finalizer.Finalize(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// listOrders handles listing the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.finalizer.ListOrders(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.finalizer.GetOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
