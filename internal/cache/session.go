package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// sessionPrefix is the Redis key prefix for refresh-token sessions.
	sessionPrefix = "auth:refresh:"
	// userSessionsPrefix indexes the live jtis of one user.
	userSessionsPrefix = "auth:user-sessions:"
)

// rotateScript deletes the old jti and stores the new one only if the old
// one still existed, so a refresh token can be redeemed once.
var rotateScript = redis.NewScript(`
	if redis.call('DEL', KEYS[1]) == 0 then
		return 0
	end
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
	redis.call('SREM', KEYS[3], ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[3], ARGV[2])
	return 1
`)

// revokeAllScript drops every jti indexed for a user and the index itself.
var revokeAllScript = redis.NewScript(`
	local jtis = redis.call('SMEMBERS', KEYS[1])
	local n = 0
	for _, jti in ipairs(jtis) do
		n = n + redis.call('DEL', ARGV[1] .. jti)
	end
	redis.call('DEL', KEYS[1])
	return n
`)

func sessionKey(jti string) string {
	return sessionPrefix + jti
}

func userSessionsKey(userID string) string {
	return userSessionsPrefix + userID
}

// StoreSession records a refresh-token jti for userID.
func (c *Cache) StoreSession(ctx context.Context, jti, userID string, ttl time.Duration) error {
	if strings.TrimSpace(jti) == "" {
		return errors.New("empty jti")
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, sessionKey(jti), userID, ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), jti)
	pipe.PExpire(ctx, userSessionsKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// SessionOwner returns the user owning a live jti, or "" when it was revoked
// or expired.
func (c *Cache) SessionOwner(ctx context.Context, jti string) (string, error) {
	if strings.TrimSpace(jti) == "" {
		return "", nil
	}
	userID, err := c.client.Get(ctx, sessionKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return userID, nil
}

// RotateSession atomically replaces oldJTI with newJTI. It returns false when
// oldJTI was already used or revoked.
func (c *Cache) RotateSession(ctx context.Context, oldJTI, newJTI, userID string, ttl time.Duration) (bool, error) {
	n, err := rotateScript.Run(ctx, c.client,
		[]string{sessionKey(oldJTI), sessionKey(newJTI), userSessionsKey(userID)},
		userID, ttl.Milliseconds(), oldJTI, newJTI,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return n == 1, nil
}

// RevokeSession deletes a jti. Revoking an unknown jti is not an error. The
// user index keeps the stale member until it expires or RevokeAllSessions
// runs; deleting a missing key there is harmless.
func (c *Cache) RevokeSession(ctx context.Context, jti string) error {
	if strings.TrimSpace(jti) == "" {
		return nil
	}
	if err := c.client.Del(ctx, sessionKey(jti)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllSessions deletes every refresh-token session of userID and returns
// how many were live.
func (c *Cache) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, nil
	}
	n, err := revokeAllScript.Run(ctx, c.client, []string{userSessionsKey(userID)}, sessionPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return n, nil
}
