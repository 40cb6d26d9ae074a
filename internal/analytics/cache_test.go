package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	_ "github.com/praxisbill/praxisbill/testing"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), srv
}

func TestCacheFetchJSONPopulatesOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (interface{}, error) {
		loads++
		return map[string]string{"status": "fresh"}, nil
	}

	key, err := cache.BuildKey(ctx, "analytics", "aging", "0", "2026-09-01")
	require.NoError(t, err)

	var first map[string]string
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	require.Equal(t, "fresh", first["status"])
	require.Equal(t, 1, loads)

	var second map[string]string
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))
	require.Equal(t, "fresh", second["status"])
	require.Equal(t, 1, loads)
}

func TestCacheBumpChangesKeys(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "analytics", "aging", "1")
	require.NoError(t, err)

	require.NoError(t, cache.Bump(ctx))

	after, err := cache.BuildKey(ctx, "analytics", "aging", "1")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCacheVersionInitialises(t *testing.T) {
	cache, _ := newTestCache(t)

	ver, err := cache.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)
}

func TestNilCachePassesThrough(t *testing.T) {
	var cache *Cache

	var out map[string]int
	err := cache.FetchJSON(context.Background(), "any", &out, func(ctx context.Context) (interface{}, error) {
		return map[string]int{"value": 42}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, out["value"])
}
