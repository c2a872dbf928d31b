package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/leadflow-engine/internal/infrastructure/config"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, err := c.Get(ctx, "missing")
	assert.True(t, IsMiss(err))

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.True(t, IsMiss(err), "expired entries read as misses")
}

func TestMemoryCacheJSON(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	type payload struct {
		Score float64 `json:"score"`
		Tier  string  `json:"tier"`
	}

	require.NoError(t, c.SetJSON(ctx, "k", payload{Score: 87, Tier: "premium"}, 0))

	var got payload
	require.NoError(t, c.GetJSON(ctx, "k", &got))
	assert.Equal(t, payload{Score: 87, Tier: "premium"}, got)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{
		Addr:        mr.Addr(),
		DialTimeout: time.Second,
	}

	c, err := NewRedisCache(cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	_, err = c.Get(ctx, "missing")
	assert.True(t, IsMiss(err))

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, c.SetJSON(ctx, "j", map[string]int{"n": 7}, time.Minute))
	var decoded map[string]int
	require.NoError(t, c.GetJSON(ctx, "j", &decoded))
	assert.Equal(t, 7, decoded["n"])

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

func TestRedisCacheTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{Addr: mr.Addr(), DialTimeout: time.Second}

	c, err := NewRedisCache(cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", 50*time.Millisecond))

	mr.FastForward(time.Second)
	_, err = c.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}
