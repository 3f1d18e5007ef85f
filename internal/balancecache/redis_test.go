//go:build integration

package balancecache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *RedisCache {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisCache(rdb, 2*time.Second)
	c.prefix = "test:wallet:balance:" + t.Name() + ":"
	return c
}

func TestRedisCache_PutGet(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "w1", decimal.RequireFromString("12.50"), 1))

	e, fresh, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, e.Balance.Equal(decimal.RequireFromString("12.5")))
}

func TestRedisCache_VersionGuard(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "w1", decimal.NewFromInt(20), 9))
	require.NoError(t, c.Put(ctx, "w1", decimal.NewFromInt(100), 8))

	e, _, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, e.Balance.Equal(decimal.NewFromInt(20)))
}

func TestRedisCache_Expiry(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "w1", decimal.NewFromInt(1), 1))
	time.Sleep(2500 * time.Millisecond)

	_, fresh, err := c.Get(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, fresh)
}
