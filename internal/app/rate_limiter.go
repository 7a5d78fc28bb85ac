package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts events in fixed windows aligned to the clock. Each
// window has its own key, so a counter never needs resetting: the next window
// simply starts a new key and the old one expires.
//
// Keys look like <prefix>:lookups:<scope>:<subject>:<window index>.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: keyPrefix(prefix, "lookups"),
		now:    time.Now,
	}
}

// ConsumeRateLimit counts one event for scope/subject and returns the count
// within the current window plus the seconds until that window closes.
// Blank subjects and non-positive limits are not counted.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < time.Second {
		window = time.Second
	}

	now := r.now()
	index := now.UnixNano() / int64(window)
	closesIn := time.Unix(0, (index+1)*int64(window)).Sub(now)
	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, subject, index)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// One extra second keeps the key alive for callers with a slow clock.
		pipe.Expire(ctx, key, closesIn+time.Second)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count %s for %s: %w", scope, subject, err)
	}

	retryAfter := int(math.Ceil(closesIn.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(incr.Val()), retryAfter, nil
}

// keyPrefix normalizes a configured Redis prefix and appends the namespace.
func keyPrefix(prefix, namespace string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "khipu"
	}
	return trimmed + ":" + namespace
}
