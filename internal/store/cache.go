package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const idempotencyKeyPrefix = "txn_idempotency:"

// IdempotencyCache is a Redis fast path for replay lookups. It is never
// the system of record: the relational row written inside the transfer's
// unit of work is, and any cache failure degrades to a store read.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *IdempotencyCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(accountID uuid.UUID, key string) string {
	return idempotencyKeyPrefix + accountID.String() + ":" + key
}

// GetTransactionID returns the transaction previously recorded for the
// (account, key) pair, if cached.
func (c *IdempotencyCache) GetTransactionID(ctx context.Context, accountID uuid.UUID, key string) (uuid.UUID, bool) {
	val, err := c.client.Get(ctx, cacheKey(accountID, key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("idempotency cache read failed", "error", err)
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// SetTransactionID caches the committed outcome. Best effort.
func (c *IdempotencyCache) SetTransactionID(ctx context.Context, accountID uuid.UUID, key string, txID uuid.UUID) {
	if err := c.client.Set(ctx, cacheKey(accountID, key), txID.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("idempotency cache write failed", "error", err)
	}
}
