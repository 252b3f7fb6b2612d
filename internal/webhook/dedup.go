package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ReplayCache answers whether a delivery has been seen inside the dedup
// window. It is an optimization only: the idempotent settlement statements
// are what actually make duplicate deliveries harmless.
type ReplayCache interface {
	// FirstDelivery records the delivery and reports whether it is new.
	FirstDelivery(ctx context.Context, deliveryID string, timestamp int64) bool
	// Forget drops the record so the provider's redelivery is processed
	// again, for when applying the delivery failed after FirstDelivery.
	Forget(ctx context.Context, deliveryID string, timestamp int64)
}

// RedisReplayCache backs the dedup window with redis SETNX keys.
type RedisReplayCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisReplayCache(client *redis.Client, logger zerolog.Logger) *RedisReplayCache {
	return &RedisReplayCache{
		client: client,
		// Keep entries a little past the stale-timestamp window; anything
		// older is rejected by the verifier before dedup matters.
		ttl:    StaleTolerance + time.Minute,
		logger: logger,
	}
}

func (c *RedisReplayCache) FirstDelivery(ctx context.Context, deliveryID string, timestamp int64) bool {
	ok, err := c.client.SetNX(ctx, replayKey(deliveryID, timestamp), "1", c.ttl).Result()
	if err != nil {
		// Fail open: a cache outage must not drop legitimate deliveries.
		c.logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("webhook: replay cache unavailable")
		return true
	}
	return ok
}

func (c *RedisReplayCache) Forget(ctx context.Context, deliveryID string, timestamp int64) {
	if err := c.client.Del(ctx, replayKey(deliveryID, timestamp)).Err(); err != nil {
		// The entry expires on its own; the poll sweep covers the gap.
		c.logger.Warn().Err(err).Str("delivery_id", deliveryID).Msg("webhook: replay cache forget failed")
	}
}

func replayKey(deliveryID string, timestamp int64) string {
	return fmt.Sprintf("portraitforge:webhook:%s:%d", deliveryID, timestamp)
}

// NopReplayCache treats every delivery as new, for deployments without redis.
type NopReplayCache struct{}

func (NopReplayCache) FirstDelivery(context.Context, string, int64) bool { return true }

func (NopReplayCache) Forget(context.Context, string, int64) {}
