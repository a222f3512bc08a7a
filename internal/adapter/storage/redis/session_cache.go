package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// SessionCache is a fast-path lookup cache for withdraw sessions, keyed by
// k1_session. It exists purely to save a Postgres round trip on the
// GET /ln/callback hot path; Postgres remains the source of truth and the
// callback re-locks the row there before any state transition.
type SessionCache struct {
	client *goredis.Client
	prefix string
}

// NewSessionCache creates a new Redis-backed session cache.
func NewSessionCache(client *goredis.Client) *SessionCache {
	return &SessionCache{client: client, prefix: "session:"}
}

// Put caches that k1Session belongs to cardID, with a TTL matching the
// session's own expiry.
func (c *SessionCache) Put(ctx context.Context, k1Session string, cardID int64, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+k1Session, cardID, ttl).Err(); err != nil {
		return fmt.Errorf("redis session cache set: %w", err)
	}
	return nil
}

// GetCardID returns the cached card ID for a session, or (0, false) on a
// cache miss or error — callers must fall back to Postgres in both cases.
func (c *SessionCache) GetCardID(ctx context.Context, k1Session string) (int64, bool) {
	cardID, err := c.client.Get(ctx, c.prefix+k1Session).Int64()
	if err != nil {
		return 0, false
	}
	return cardID, true
}

// Invalidate removes a session from the cache once it reaches a terminal
// state (paid or failed), so a stale hit never masks the row's true state.
func (c *SessionCache) Invalidate(ctx context.Context, k1Session string) error {
	if err := c.client.Del(ctx, c.prefix+k1Session).Err(); err != nil {
		return fmt.Errorf("redis session cache del: %w", err)
	}
	return nil
}
