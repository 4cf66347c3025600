package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/pkg/session"
)

// ErrCacheMiss is returned when a session has no cached state
var ErrCacheMiss = errors.New("session not in cache")

// Cache mirrors live session state into Redis so status lookups and
// owner checks avoid the registry lock. Entries expire on their own if
// the daemon dies without cleaning up.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// CachedSession is the hot subset of session state kept in Redis
type CachedSession struct {
	SessionID  string
	OwnerToken string
	Status     session.Status
}

// NewCache connects to Redis and verifies the connection
func NewCache(ctx context.Context, addr string, db int, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{rdb: rdb, ttl: ttl}, nil
}

func sessionKey(id string) string {
	return "drover:session:" + id
}

// Put writes or refreshes a session's cached state
func (c *Cache) Put(ctx context.Context, s CachedSession) error {
	key := sessionKey(s.SessionID)
	err := c.rdb.HSet(ctx, key,
		"owner_token", s.OwnerToken,
		"status", string(s.Status),
	).Err()
	if err == nil {
		err = c.rdb.Expire(ctx, key, c.ttl).Err()
	}
	observability.RecordCacheOp("put", err)
	if err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

// Get returns the cached state, or ErrCacheMiss
func (c *Cache) Get(ctx context.Context, sessionID string) (*CachedSession, error) {
	vals, err := c.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		observability.RecordCacheOp("get", err)
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}
	observability.RecordCacheOp("get", nil)
	if len(vals) == 0 {
		return nil, ErrCacheMiss
	}
	return &CachedSession{
		SessionID:  sessionID,
		OwnerToken: vals["owner_token"],
		Status:     session.Status(vals["status"]),
	}, nil
}

// Delete removes a session from the cache
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	err := c.rdb.Del(ctx, sessionKey(sessionID)).Err()
	observability.RecordCacheOp("delete", err)
	if err != nil {
		return fmt.Errorf("failed to evict session cache: %w", err)
	}
	return nil
}

// Ping verifies Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection
func (c *Cache) Close() error {
	return c.rdb.Close()
}
