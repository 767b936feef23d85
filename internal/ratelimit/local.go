package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// LocalLimiter is a fixed-window per-(model, user) counter in redis, used in
// front of the oracle when a redis address is configured.
type LocalLimiter struct {
	redis *redis.Client
	limit int64
}

func NewLocalLimiter(rdb *redis.Client, limit int64) *LocalLimiter {
	return &LocalLimiter{redis: rdb, limit: limit}
}

func (l *LocalLimiter) Allow(ctx context.Context, model, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("chatmux:ratelimit:%s:%s:%s", model, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= l.limit, res, windowEnd, nil
}
