package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

func cartKey(userID string) string {
	return "cart:" + userID
}

// GetCart returns the user's cart. A missing cart is returned empty.
func (c *Client) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	data, err := c.rdb.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &models.Cart{UserID: userID, TotalPrice: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var cart models.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart: %w", err)
	}
	return &cart, nil
}

// SaveCart stores the cart, recomputing its total
func (c *Client) SaveCart(ctx context.Context, cart *models.Cart) error {
	cart.TotalPrice = cart.Products.Total()
	cart.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("failed to marshal cart: %w", err)
	}
	return c.rdb.Set(ctx, cartKey(cart.UserID), data, c.cartTTL).Err()
}

// ClearCart empties the user's cart
func (c *Client) ClearCart(ctx context.Context, userID string) error {
	return c.SaveCart(ctx, &models.Cart{UserID: userID, Products: models.CheckoutItems{}})
}
