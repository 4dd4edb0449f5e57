package redis

import (
	"context"
	"testing"
	"time"

	"pairs-analytics/internal/model"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, cfg), mr
}

func TestPushTick_BoundedMostRecentFirst(t *testing.T) {
	c, mr := newTestCache(t, Config{MaxTicks: 3, TickTTL: time.Minute})
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.PushTick(ctx, model.Tick{
			Instrument: "btcusdt", Timestamp: base.Add(time.Duration(i) * time.Second),
			Price: float64(100 + i), Size: 1,
		}))
	}

	ticks, err := c.RecentTicks(ctx, "btcusdt", 10)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, 104.0, ticks[0].Price)
	assert.Equal(t, 102.0, ticks[2].Price)

	assert.Equal(t, time.Minute, mr.TTL("ticks:btcusdt"))

	ticks, err = c.RecentTicks(ctx, "ethusdt", 1)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestSetGet(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "analytics:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "analytics:x", []byte(`{"v":1}`), 5*time.Second))
	v, ok, err := c.Get(ctx, "analytics:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(v))

	mr.FastForward(6 * time.Second)
	_, ok, err = c.Get(ctx, "analytics:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_DegradesWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t, Config{})
	ctx := context.Background()
	mr.Close()

	tick := model.Tick{Instrument: "btcusdt", Timestamp: time.Now(), Price: 1, Size: 1}
	for i := 0; i < 5; i++ {
		assert.Error(t, c.PushTick(ctx, tick))
	}
	assert.Equal(t, StateOpen, c.Breaker().State())

	// open breaker: pushes are skipped, reads are empty
	assert.NoError(t, c.PushTick(ctx, tick))
	ticks, err := c.RecentTicks(ctx, "btcusdt", 10)
	assert.NoError(t, err)
	assert.Empty(t, ticks)
}
