package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterPrefix is the Redis key prefix for fixed-window attempt counters.
const counterPrefix = "otp:rl:"

// counterScript increments a counter and starts its window on the first hit.
// It returns the new count and the remaining window in milliseconds.
var counterScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// CounterResult is the state of a fixed-window counter after a hit.
type CounterResult struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

func counterKey(scope, subject string) string {
	return counterPrefix + scope + ":" + hashKey(strings.ToLower(strings.TrimSpace(subject)))
}

// Hit counts one attempt by subject within scope. The attempt is allowed while
// the count stays within limit for the current window.
func (c *Cache) Hit(ctx context.Context, scope, subject string, limit int, window time.Duration) (*CounterResult, error) {
	res, err := counterScript.Run(ctx, c.client,
		[]string{counterKey(scope, subject)},
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", scope, err)
	}

	count, ttl := res[0], res[1]
	out := &CounterResult{Allowed: count <= int64(limit), Count: count}
	if !out.Allowed && ttl > 0 {
		out.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return out, nil
}

// ResetCounter clears the window of subject within scope.
func (c *Cache) ResetCounter(ctx context.Context, scope, subject string) error {
	if err := c.client.Del(ctx, counterKey(scope, subject)).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", scope, err)
	}
	return nil
}
