package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache holds views of terminal jobs. Terminal states never change, so
// an entry stays correct for as long as it lives.
type StatusCache interface {
	Get(ctx context.Context, jobID string) (CachedStatus, bool, error)
	Set(ctx context.Context, entry CachedStatus) error
}

// CachedStatus is a terminal view plus the owner it belongs to.
type CachedStatus struct {
	OwnerID string     `json:"ownerId"`
	View    StatusView `json:"view"`
}

type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisStatusCache stores terminal status views as JSON strings.
type RedisStatusCache struct {
	client redisCmdable
	ttl    time.Duration
}

const defaultStatusTTL = 24 * time.Hour

// NewRedisStatusCache builds a cache over client. A ttl of zero means 24h.
func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	return newRedisStatusCache(client, ttl)
}

func newRedisStatusCache(client redisCmdable, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &RedisStatusCache{client: client, ttl: ttl}
}

func statusKey(jobID string) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

// Get returns the cached entry for jobID, if any.
func (c *RedisStatusCache) Get(ctx context.Context, jobID string) (CachedStatus, bool, error) {
	data, err := c.client.Get(ctx, statusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	var entry CachedStatus
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return CachedStatus{}, false, err
	}
	return entry, true, nil
}

// Set stores entry. Non-terminal views are ignored.
func (c *RedisStatusCache) Set(ctx context.Context, entry CachedStatus) error {
	if !IsTerminal(entry.View.Status) {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(entry.View.ID), data, c.ttl).Err()
}

var _ StatusCache = (*RedisStatusCache)(nil)
