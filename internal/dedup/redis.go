package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "visa-chatter:dedup:"

// RedisCache shares admission state between instances. Identifiers are
// retained for ttl instead of by recency.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Admit fails open: when Redis is unreachable the event is processed.
func (c *RedisCache) Admit(ctx context.Context, id string) bool {
	if id == "" {
		return true
	}
	ok, err := c.client.SetNX(ctx, redisKeyPrefix+id, 1, c.ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("event_id", id).Msg("dedup: redis unavailable, admitting event")
		return true
	}
	return ok
}
