// Package dedup implements botfacade.Deduper against Redis, so the
// processed-message-id cache survives a restart and is shared across
// façade instances behind a load balancer. Modeled on the teacher's
// CacheManager (internal/cache/redis_cache.go), stripped to the one
// operation this cache needs: record-if-new.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// messageTTL bounds how long a processed message id is remembered;
// §6 calls this "≤24h", matching the chat gateway's at-least-once
// redelivery window.
const messageTTL = 24 * time.Hour

const keyPrefix = "pingpongbot:dedup:"

// RedisDeduper implements botfacade.Deduper. It is not the durable
// idempotency safety net — the match engine's idempotency key is —
// this only saves a redundant round trip and a redundant reply for a
// redelivered event.
type RedisDeduper struct {
	client *redis.Client
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (construction and Close).
func New(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

// SeenBefore atomically records messageID if new, returning true if it
// was already recorded. SETNX is the one primitive that makes this
// race-free under concurrent delivery of the same message.
func (d *RedisDeduper) SeenBefore(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, keyPrefix+messageID, 1, messageTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
