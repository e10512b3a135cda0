package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix = "lock:"

	// DefaultLockTTL bounds how long a crashed holder can block a key.
	DefaultLockTTL = 30 * time.Second
	lockRetryMin   = 10 * time.Millisecond
	lockRetryMax   = 250 * time.Millisecond
)

// unlockScript deletes the lock only if it is still held by the caller.
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker is a distributed mutex over Redis keys. It serializes per-user work
// across API replicas and workers.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker creates a Locker whose locks expire after ttl.
func (c *Cache) NewLocker(ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: c.client, ttl: ttl}
}

// Lock blocks until key is acquired or ctx is done. The returned function
// releases the lock.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	redisKey := lockPrefix + key

	wait := lockRetryMin
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, lockRetryMax)
	}

	return func() {
		// Released on a fresh context so a cancelled request still unlocks.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err()
	}, nil
}

func lockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
