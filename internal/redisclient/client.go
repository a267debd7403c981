package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/decrement_stock.lua
var decrementStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb             *redis.Client
	decrementScript *redis.Script
	unlockScript    *redis.Script
	cartTTL         time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb *redis.Client) *Client {
	return newClient(rdb)
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:             rdb,
		decrementScript: redis.NewScript(decrementStockScript),
		unlockScript:    redis.NewScript(releaseLockScript),
		cartTTL:         7 * 24 * time.Hour,
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID string) string {
	return "inventory:" + productID
}

// DecrementStock atomically lowers the cached count, never below zero.
// Returns -1 when the product is not tracked in Redis.
func (c *Client) DecrementStock(ctx context.Context, productID string, quantity int) (int64, error) {
	result, err := c.decrementScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return 0, fmt.Errorf("decrement stock script failed: %w", err)
	}

	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}

	return remaining, nil
}

// InitInventory initializes inventory count in Redis
func (c *Client) InitInventory(ctx context.Context, productID string, available int) error {
	return c.rdb.HSet(ctx, inventoryKey(productID), "available", available).Err()
}

// GetInventory retrieves the cached available count
func (c *Client) GetInventory(ctx context.Context, productID string) (int, error) {
	result, err := c.rdb.HGet(ctx, inventoryKey(productID), "available").Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("inventory not found for product %s", productID)
	}
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(result)
}

// ClaimIdempotencyKey binds key to value unless it is already bound. When the
// key exists, the bound value is returned with claimed == false.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	redisKey := "idempotency:" + key

	claimed, err := c.rdb.SetNX(ctx, redisKey, value, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if claimed {
		return value, true, nil
	}

	existing, err := c.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return c.ClaimIdempotencyKey(ctx, key, value, ttl)
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey drops a claimed key
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "idempotency:"+key).Err()
}

// Lock is a held distributed lock
type Lock struct {
	key   string
	token string
}

// AcquireLock acquires a distributed lock. A nil lock means another holder has it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{key: "lock:" + lockKey, token: uuid.New().String()}

	ok, err := c.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// ReleaseLock releases a distributed lock if it is still owned by lock
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	return c.unlockScript.Run(ctx, c.rdb, []string{lock.key}, lock.token).Err()
}
