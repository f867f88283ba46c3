package extsource

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "extsource:assessments:"

// Cache keeps recently fetched assessment lists in Redis so the mapping page
// does not hit the external database on every load. Sync passes bypass it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Fetch loads the cached assessment list for a course key, falling back to
// the loader and caching its result. A nil cache or an unavailable Redis
// degrades to calling the loader directly.
func (c *Cache) Fetch(ctx context.Context, courseKey string, loader func(context.Context) ([]Assessment, error)) ([]Assessment, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	key := cacheKeyPrefix + courseKey
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var assessments []Assessment
		if jsonErr := json.Unmarshal(raw, &assessments); jsonErr == nil {
			return assessments, nil
		}
		// Corrupt entry: fall through and repopulate.
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}

	assessments, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if payload, jsonErr := json.Marshal(assessments); jsonErr == nil {
		_ = c.client.Set(ctx, key, payload, c.ttl).Err()
	}
	return assessments, nil
}

// Invalidate drops the cached list for a course key.
func (c *Cache) Invalidate(ctx context.Context, courseKey string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKeyPrefix+courseKey).Err()
}
