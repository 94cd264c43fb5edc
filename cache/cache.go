// Package cache is a read-through cache in front of the query layer's
// hottest reads (top-N lists, a player's current rating by character).
// It is optional: when no Redis URL is configured, Get always misses and
// every lookup falls straight through to the store, which remains the
// source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a redis.Client. The zero value (via NewCache with an empty
// url) is a harmless no-op cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache connects to url ("" disables the cache) and returns a Cache
// ready for use. ttl bounds how long a cached value survives before a
// Get forces a fresh store read regardless of invalidation.
func NewCache(url string, ttl time.Duration) (*Cache, error) {
	if url == "" {
		return &Cache{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Enabled reports whether this cache actually talks to Redis.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// Get unmarshals the cached value for key into dest. ok is false on any
// miss or error — callers always fall through to the store on !ok.
func (c *Cache) Get(ctx context.Context, key string, dest any) (ok bool) {
	if !c.Enabled() {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false
	}
	return true
}

// Set stores value under key with the cache's configured TTL. Errors are
// swallowed — a cache write failure must never fail the caller's read.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, raw, c.ttl)
}

// Invalidate drops one key, used whenever C4 or C6 writes data a cached
// key depends on.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	c.rdb.Del(ctx, key)
}

// InvalidatePrefix drops every key starting with prefix, used by the
// ranking rebuild (C6) which touches the top-N lists wholesale.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	if !c.Enabled() {
		return
	}
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		c.rdb.Del(ctx, iter.Val())
	}
}

// PlayerRatingKey and TopNKey build the cache keys the query layer reads
// and the writers invalidate, kept in one place so both sides agree.
func PlayerRatingKey(playerID int64, charID int) string {
	return fmt.Sprintf("player_rating:%d:%d", playerID, charID)
}

func TopNKey(charID *int) string {
	if charID == nil {
		return "top_n:global"
	}
	return fmt.Sprintf("top_n:char:%d", *charID)
}
