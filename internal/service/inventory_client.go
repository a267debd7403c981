package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InventorySource lists the authoritative stock counts
type InventorySource interface {
	ListInventory(ctx context.Context) ([]models.Inventory, error)
}

// StockCache is the Redis view of stock counts
type StockCache interface {
	DecrementStock(ctx context.Context, productID string, quantity int) (int64, error)
	InitInventory(ctx context.Context, productID string, available int) error
}

// InventoryClient mirrors finalized stock decrements into Redis. The
// decrement itself is committed by the store together with the order.
type InventoryClient struct {
	source InventorySource
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(source InventorySource, cache StockCache) *InventoryClient {
	return &InventoryClient{
		source: source,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// DecrementForOrder applies the order's quantities to the cached stock counts
func (ic *InventoryClient) DecrementForOrder(ctx context.Context, order *models.Order) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.DecrementForOrder")
	defer span.End()

	for _, item := range order.Items {
		remaining, err := ic.cache.DecrementStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			ic.logger.Error("Failed to decrement cached stock",
				zap.String("order_id", order.ID),
				zap.String("product_id", item.ProductID),
				zap.Error(err))
			continue
		}
		if remaining == 0 {
			ic.logger.Info("Product sold out", zap.String("product_id", item.ProductID))
		}
	}
}

// SyncInventoryToRedis synchronizes database inventory to Redis
func (ic *InventoryClient) SyncInventoryToRedis(ctx context.Context) error {
	ic.logger.Info("Starting inventory sync to Redis")

	inventory, err := ic.source.ListInventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}

	for _, inv := range inventory {
		if err := ic.cache.InitInventory(ctx, inv.ProductID, inv.Available); err != nil {
			ic.logger.Error("Failed to init Redis inventory",
				zap.String("product_id", inv.ProductID),
				zap.Error(err))
		}
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(inventory)))
	return nil
}
