package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// generationTTL bounds how long an idle principal's generation counter
// is kept. It must stay well above any configured set TTL so a counter
// never resets while a set written under it could still be alive.
const generationTTL = 24 * time.Hour

// Cache stores effective permission sets in redis under a short TTL. It
// is an optimization only: the sets are recomputed from bindings on every
// miss and never treated as a source of truth.
//
// Entries are keyed by a per-principal generation that Invalidate
// advances. A load that began before a binding mutation writes its
// result under the generation it read at the start, so after the
// mutation's invalidation that entry is unreachable; without this, a
// slow pre-mutation load could re-cache the old set after the
// invalidation and serve it for the full TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache constructs a Cache. A zero ttl disables expiry-based reuse
// entirely, so callers should pass a small positive window.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func generationKey(principalID int64) string {
	return fmt.Sprintf("authz:gen:%d", principalID)
}

func permsKey(principalID, gen int64) string {
	return fmt.Sprintf("authz:perms:%d:%d", principalID, gen)
}

// Generation returns the principal's current invalidation generation.
// The second return is false when redis is unavailable; callers must
// then skip Put, since a set stored under a guessed generation could
// survive an invalidation that raced the store read.
func (c *Cache) Generation(ctx context.Context, principalID int64) (int64, bool) {
	if c == nil || c.client == nil || c.ttl <= 0 {
		return 0, false
	}
	gen, err := c.client.Get(ctx, generationKey(principalID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, true
		}
		c.logger.Warn("authz cache generation", slog.Any("error", err))
		return 0, false
	}
	return gen, true
}

// Get returns the cached set for the principal, if present. Redis
// failures degrade to a miss so the engine falls through to the store.
func (c *Cache) Get(ctx context.Context, principalID int64) (PermissionSet, bool) {
	gen, ok := c.Generation(ctx, principalID)
	if !ok {
		return nil, false
	}
	payload, err := c.client.Get(ctx, permsKey(principalID, gen)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("authz cache get", slog.Any("error", err))
		}
		return nil, false
	}
	var perms []Permission
	if err := json.Unmarshal(payload, &perms); err != nil {
		c.logger.Warn("authz cache decode", slog.Any("error", err))
		return nil, false
	}
	return NewPermissionSet(perms...), true
}

// Put stores the set under the given generation and the configured TTL.
// gen must be the value Generation returned before the caller started
// reading bindings. Failures are logged and ignored; the cache is
// advisory.
func (c *Cache) Put(ctx context.Context, principalID, gen int64, set PermissionSet) {
	if c == nil || c.client == nil || c.ttl <= 0 {
		return
	}
	payload, err := json.Marshal(set.Slice())
	if err != nil {
		c.logger.Warn("authz cache encode", slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, permsKey(principalID, gen), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("authz cache put", slog.Any("error", err))
	}
}

// Invalidate advances the principal's generation, making every cached
// set written before the call unreachable, including one a concurrent
// load is still about to store. Unlike Put, a failure is returned: a
// mutation that cannot drop the stale set must not report success.
func (c *Cache) Invalidate(ctx context.Context, principalID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	expiry := generationTTL
	if c.ttl*2 > expiry {
		expiry = c.ttl * 2
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKey(principalID))
	pipe.Expire(ctx, generationKey(principalID), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("authz cache invalidate principal %d: %w", principalID, err)
	}
	return nil
}
