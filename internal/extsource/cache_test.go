package extsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchPopulatesAndServes(t *testing.T) {
	cache, _ := newTestCache(t)

	calls := 0
	loader := func(context.Context) ([]Assessment, error) {
		calls++
		return []Assessment{{Class: "MATH101", ID: 5, MarkOutOf: 100}}, nil
	}

	first, err := cache.Fetch(context.Background(), "M-12", loader)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, calls)

	second, err := cache.Fetch(context.Background(), "M-12", loader)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second fetch must come from cache")
}

func TestCacheFetchKeysByCourse(t *testing.T) {
	cache, _ := newTestCache(t)

	calls := 0
	loader := func(context.Context) ([]Assessment, error) {
		calls++
		return nil, nil
	}

	_, err := cache.Fetch(context.Background(), "M-12", loader)
	require.NoError(t, err)
	_, err = cache.Fetch(context.Background(), "S-44", loader)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)

	calls := 0
	loader := func(context.Context) ([]Assessment, error) {
		calls++
		return []Assessment{{Class: "MATH101", ID: 5}}, nil
	}

	_, err := cache.Fetch(context.Background(), "M-12", loader)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(context.Background(), "M-12"))

	_, err = cache.Fetch(context.Background(), "M-12", loader)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCacheFetchLoaderError(t *testing.T) {
	cache, _ := newTestCache(t)

	boom := errors.New("external db down")
	_, err := cache.Fetch(context.Background(), "M-12", func(context.Context) ([]Assessment, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestNilCacheDegradesToLoader(t *testing.T) {
	var cache *Cache

	calls := 0
	_, err := cache.Fetch(context.Background(), "M-12", func(context.Context) ([]Assessment, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
