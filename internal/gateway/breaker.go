package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker around a payment gateway
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	CallTimeout time.Duration
}

// BreakerGateway stops calling the provider after repeated transport failures.
// Declines are answers, not failures, and never trip the breaker.
type BreakerGateway struct {
	next    service.PaymentGateway
	cb      *gobreaker.CircuitBreaker[*models.PaymentDetails]
	timeout time.Duration
	logger  *zap.Logger
}

// NewBreakerGateway wraps next with a circuit breaker
func NewBreakerGateway(next service.PaymentGateway, cfg BreakerConfig) *BreakerGateway {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	logger := util.GetLogger()
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			_, declined := service.IsPaymentDeclined(err)
			return err == nil || declined
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerGateway{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker[*models.PaymentDetails](settings),
		timeout: cfg.CallTimeout,
		logger:  logger,
	}
}

// ConfirmPayment calls the wrapped gateway unless the breaker is open
func (b *BreakerGateway) ConfirmPayment(ctx context.Context, session *models.CheckoutSession) (*models.PaymentDetails, error) {
	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.Observe(time.Since(start).Seconds())
	}()

	details, err := b.cb.Execute(func() (*models.PaymentDetails, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return b.next.ConfirmPayment(callCtx, session)
	})

	switch {
	case err == nil:
		util.PaymentGatewayRequestsTotal.WithLabelValues("approved").Inc()
		return details, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		util.PaymentGatewayRequestsTotal.WithLabelValues("rejected_open").Inc()
		return nil, fmt.Errorf("payment gateway unavailable: %w", err)
	}

	if _, declined := service.IsPaymentDeclined(err); declined {
		util.PaymentGatewayRequestsTotal.WithLabelValues("declined").Inc()
		return nil, err
	}

	util.PaymentGatewayRequestsTotal.WithLabelValues("error").Inc()
	b.logger.Error("Payment gateway call failed", zap.String("session_id", session.ID), zap.Error(err))
	return nil, err
}

// State returns the current breaker state
func (b *BreakerGateway) State() gobreaker.State {
	return b.cb.State()
}
