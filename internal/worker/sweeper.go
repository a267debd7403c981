package worker

import (
	"context"
	"time"

	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const sweeperLockKey = "checkout-sweeper"

// Locker guards the sweep so only one instance runs it per tick
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*redisclient.Lock, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// SweeperConfig configures the background sweep
type SweeperConfig struct {
	Interval     time.Duration
	PaidGrace    time.Duration
	RecoverLimit int
}

// Sweeper expires stale Pending sessions and recovers finalize work a crash
// interrupted
type Sweeper struct {
	manager   *service.CheckoutSessionManager
	finalizer *service.OrderFinalizer
	locker    Locker
	cfg       SweeperConfig
	logger    *zap.Logger
}

// NewSweeper creates a new sweeper. locker may be nil for a single instance.
func NewSweeper(manager *service.CheckoutSessionManager, finalizer *service.OrderFinalizer, locker Locker, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PaidGrace <= 0 {
		cfg.PaidGrace = 5 * time.Minute
	}
	if cfg.RecoverLimit <= 0 {
		cfg.RecoverLimit = 100
	}
	return &Sweeper{
		manager:   manager,
		finalizer: finalizer,
		locker:    locker,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Run sweeps on every tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting checkout sweeper", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("Stopping checkout sweeper")
			return
		}
	}
}

// Sweep runs one pass
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.locker != nil {
		lock, err := s.locker.AcquireLock(ctx, sweeperLockKey, s.cfg.Interval)
		if err != nil {
			s.logger.Error("Failed to acquire sweeper lock", zap.Error(err))
			return
		}
		if lock == nil {
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
				s.logger.Error("Failed to release sweeper lock", zap.Error(err))
			}
		}()
	}

	expired, err := s.manager.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("Failed to expire stale sessions", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("Expired stale checkout sessions", zap.Int("count", expired))
	}

	recovered, err := s.finalizer.RecoverStuck(ctx, s.cfg.PaidGrace, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Error("Failed to recover stuck sessions", zap.Error(err))
	} else if recovered > 0 {
		s.logger.Info("Finalized stuck paid sessions", zap.Int("count", recovered))
	}

	cleared, err := s.finalizer.RecoverUnclearedCarts(ctx, s.cfg.PaidGrace, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Error("Failed to recover uncleared carts", zap.Error(err))
	} else if cleared > 0 {
		s.logger.Info("Cleared carts of finalized orders", zap.Int("count", cleared))
	}
}
