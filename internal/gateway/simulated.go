package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const provider = "simulated"

// SimulatedGateway confirms payments without a real provider
type SimulatedGateway struct {
	logger      *zap.Logger
	successRate float64 // 0.0 - 1.0
	minDelay    time.Duration
	maxDelay    time.Duration
	rand        func() float64
}

// NewSimulatedGateway creates a gateway that approves successRate of payments
func NewSimulatedGateway(successRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		logger:      util.GetLogger(),
		successRate: successRate,
		minDelay:    100 * time.Millisecond,
		maxDelay:    500 * time.Millisecond,
		rand:        rand.Float64,
	}
}

// WithoutDelay disables the simulated provider latency
func (g *SimulatedGateway) WithoutDelay() *SimulatedGateway {
	g.minDelay = 0
	g.maxDelay = 0
	return g
}

// paymentReference derives the provider reference from the session ID, the
// idempotency key of the charge. Repeated confirms of one session yield one reference.
func paymentReference(sessionID string) string {
	key := uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID)).String()
	return fmt.Sprintf("TXN-%s", key[:8])
}

// ConfirmPayment charges the session total
func (g *SimulatedGateway) ConfirmPayment(ctx context.Context, session *models.CheckoutSession) (*models.PaymentDetails, error) {
	ctx, span := util.StartSpan(ctx, "SimulatedGateway.ConfirmPayment")
	defer span.End()

	g.logger.Info("Processing payment",
		zap.String("session_id", session.ID),
		zap.String("amount", session.TotalPrice.String()))

	if g.maxDelay > 0 {
		delay := g.minDelay + time.Duration(rand.Int63n(int64(g.maxDelay-g.minDelay)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if g.rand() >= g.successRate {
		g.logger.Warn("Payment declined", zap.String("session_id", session.ID))
		return nil, &service.PaymentDeclinedError{Reason: "mock_payment_declined"}
	}

	txID := paymentReference(session.ID)
	raw, err := json.Marshal(map[string]string{
		"ref":      txID,
		"amount":   session.TotalPrice.String(),
		"provider": provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider payload: %w", err)
	}

	g.logger.Info("Payment succeeded",
		zap.String("session_id", session.ID),
		zap.String("tx_id", txID))

	return &models.PaymentDetails{
		Reference: txID,
		Provider:  provider,
		Status:    models.PaymentStatusPaid,
		Raw:       raw,
	}, nil
}
