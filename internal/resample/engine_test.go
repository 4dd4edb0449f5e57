package resample

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pairs-analytics/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTicks struct {
	mu    sync.Mutex
	ticks []model.Tick
	calls int
	err   error
}

func (m *memTicks) GetTicks(_ context.Context, inst string, r model.TimeRange, limit int) ([]model.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Tick
	for _, t := range m.ticks {
		if t.Instrument != inst {
			continue
		}
		if !r.Start.IsZero() && t.Timestamp.Before(r.Start) {
			continue
		}
		if !r.End.IsZero() && t.Timestamp.After(r.End) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memCache struct {
	ticks []model.Tick // most recent first
}

func (m *memCache) PushTick(context.Context, model.Tick) error { return nil }
func (m *memCache) RecentTicks(_ context.Context, inst string, n int) ([]model.Tick, error) {
	var out []model.Tick
	for _, t := range m.ticks {
		if t.Instrument == inst && len(out) < n {
			out = append(out, t)
		}
	}
	return out, nil
}

type memCandles struct {
	mu      sync.Mutex
	rows    map[string]model.Candle
	upserts int
}

func newMemCandles() *memCandles { return &memCandles{rows: make(map[string]model.Candle)} }

func (m *memCandles) UpsertCandle(_ context.Context, c model.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.rows[c.Key()+":"+c.BucketStart.String()] = c
	return nil
}

func (m *memCandles) snapshot() (int, []model.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Candle
	for _, c := range m.rows {
		out = append(out, c)
	}
	return m.upserts, out
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func tk(offset time.Duration, price, size float64) model.Tick {
	return model.Tick{Instrument: "btcusdt", Timestamp: t0.Add(offset), Price: price, Size: size}
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestAggregate_OHLCFromUnorderedTicks(t *testing.T) {
	tf := model.MustTimeframe("1m")
	ticks := []model.Tick{
		tk(50*time.Second, 103, 1),
		tk(10*time.Second, 100, 2),
		tk(30*time.Second, 105, 1),
		tk(40*time.Second, 99, 3),
		tk(70*time.Second, 110, 1),
	}
	candles := Aggregate("btcusdt", tf, ticks)
	require.Len(t, candles, 2)

	c := candles[0]
	assert.True(t, c.BucketStart.Equal(t0))
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 99.0, c.Low)
	assert.Equal(t, 103.0, c.Close)
	assert.Equal(t, 7.0, c.Volume)
	assert.Equal(t, 4, c.TradeCount)
	assert.Equal(t, "1m", c.Timeframe)

	assert.True(t, candles[1].BucketStart.Equal(t0.Add(time.Minute)))
	assert.Empty(t, Aggregate("btcusdt", tf, nil))
}

func TestResampleOnce_SkipsBucketContainingNow(t *testing.T) {
	tf := model.MustTimeframe("1m")
	store := &memTicks{ticks: []model.Tick{
		tk(-50*time.Second, 100, 1),
		tk(-10*time.Second, 101, 1),
		tk(5*time.Second, 102, 1),
		tk(20*time.Second, 103, 1),
	}}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	e.Now = fixedNow(t0.Add(30 * time.Second))

	c, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.True(t, c.BucketStart.Equal(t0.Add(-time.Minute)))
	assert.Equal(t, 101.0, c.Close)

	_, rows := candles.snapshot()
	for _, r := range rows {
		assert.False(t, r.BucketStart.Equal(t0), "open bucket must never be persisted")
	}
}

func TestResampleOnce_NothingCompleteYet(t *testing.T) {
	tf := model.MustTimeframe("1m")
	store := &memTicks{ticks: []model.Tick{tk(5*time.Second, 100, 1)}}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	e.Now = fixedNow(t0.Add(30 * time.Second))

	_, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	assert.False(t, written)
	n, _ := candles.snapshot()
	assert.Zero(t, n)
}

func TestResampleOnce_WritesEachBucketOnce(t *testing.T) {
	tf := model.MustTimeframe("1m")
	store := &memTicks{ticks: []model.Tick{tk(-30*time.Second, 100, 1), tk(-20*time.Second, 102, 1)}}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	e.Now = fixedNow(t0.Add(10 * time.Second))

	ctx := context.Background()
	first, written, err := e.ResampleOnce(ctx, "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	_, written, err = e.ResampleOnce(ctx, "btcusdt", tf)
	require.NoError(t, err)
	assert.False(t, written)

	// a restarted engine has no memory and overwrites with identical values
	restarted := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	restarted.Now = e.Now
	second, written, err := restarted.ResampleOnce(ctx, "btcusdt", tf)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, first, second)

	upserts, rows := candles.snapshot()
	assert.Equal(t, 2, upserts)
	assert.Len(t, rows, 1)
}

func TestResampleOnce_PrefersCache(t *testing.T) {
	tf := model.MustTimeframe("1s")
	cache := &memCache{ticks: []model.Tick{
		tk(-500*time.Millisecond, 101, 1),
		tk(-800*time.Millisecond, 100, 1),
		tk(-1200*time.Millisecond, 99, 1),
	}}
	store := &memTicks{}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, cache, store, candles)
	e.Now = fixedNow(t0.Add(200 * time.Millisecond))

	c, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 101.0, c.Close)
	assert.Zero(t, store.calls)
}

func TestResampleOnce_MergesStorageWhenCacheTooShort(t *testing.T) {
	tf := model.MustTimeframe("1m")
	all := []model.Tick{
		tk(-50*time.Second, 90, 1),
		tk(-40*time.Second, 95, 1),
		tk(-20*time.Second, 97, 1),
		tk(-10*time.Second, 96, 1),
	}
	// cache holds only the newest two, most recent first
	cache := &memCache{ticks: []model.Tick{all[3], all[2]}}
	store := &memTicks{ticks: all}
	candles := newMemCandles()
	e := New(Config{TickLimit: 2}, []model.Timeframe{tf}, cache, store, candles)
	e.Now = fixedNow(t0.Add(5 * time.Second))

	c, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.Equal(t, 90.0, c.Open)
	assert.Equal(t, 96.0, c.Close)
	assert.Equal(t, 4, c.TradeCount)
}

// busyMinute returns n ticks spread evenly over the minute starting at t0,
// oldest first, priced 100, 101, ...
func busyMinute(n int) []model.Tick {
	step := time.Minute / time.Duration(n)
	out := make([]model.Tick, n)
	for i := range out {
		out[i] = tk(time.Duration(i)*step, float64(100+i), 1)
		out[i].TradeID = int64(i + 1)
	}
	return out
}

func newestFirst(ticks []model.Tick) []model.Tick {
	out := make([]model.Tick, len(ticks))
	for i, t := range ticks {
		out[len(ticks)-1-i] = t
	}
	return out
}

func TestResampleOnce_StorageBucketLargerThanTickLimit(t *testing.T) {
	tf := model.MustTimeframe("1m")
	store := &memTicks{ticks: busyMinute(1500)}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	e.Now = fixedNow(t0.Add(90 * time.Second))

	c, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.True(t, c.BucketStart.Equal(t0))
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 1599.0, c.Close)
	assert.Equal(t, 1500, c.TradeCount)
	assert.Equal(t, 1500.0, c.Volume)
}

func TestResampleOnce_ShortCacheIsCompletedFromStorage(t *testing.T) {
	tf := model.MustTimeframe("1m")
	all := busyMinute(1500)
	cache := &memCache{ticks: newestFirst(all[1000:])}
	store := &memTicks{ticks: all}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, cache, store, candles)
	e.Now = fixedNow(t0.Add(90 * time.Second))

	c, written, err := e.ResampleOnce(context.Background(), "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.True(t, c.BucketStart.Equal(t0))
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 1599.0, c.Close)
	assert.Equal(t, 1500, c.TradeCount)
}

func TestResampleOnce_StorageFailureRetriesBucket(t *testing.T) {
	tf := model.MustTimeframe("1m")
	all := busyMinute(10)
	cache := &memCache{ticks: newestFirst(all[5:])}
	store := &memTicks{ticks: all, err: errors.New("disk I/O error")}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, cache, store, candles)
	e.Now = fixedNow(t0.Add(90 * time.Second))

	ctx := context.Background()
	_, written, err := e.ResampleOnce(ctx, "btcusdt", tf)
	require.Error(t, err)
	assert.False(t, written)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	c, written, err := e.ResampleOnce(ctx, "btcusdt", tf)
	require.NoError(t, err)
	require.True(t, written)
	assert.Equal(t, 10, c.TradeCount)
}

func TestEngine_StartAddRemoveStop(t *testing.T) {
	tf := model.MustTimeframe("1s")
	store := &memTicks{ticks: []model.Tick{
		tk(-1500*time.Millisecond, 100, 1),
		{Instrument: "ethusdt", Timestamp: t0.Add(-1500 * time.Millisecond), Price: 50, Size: 1},
	}}
	candles := newMemCandles()
	e := New(Config{}, []model.Timeframe{tf}, nil, store, candles)
	e.Now = fixedNow(t0)

	require.NoError(t, e.Start(context.Background(), []string{"btcusdt"}))
	assert.Eventually(t, func() bool { n, _ := candles.snapshot(); return n == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.AddInstrument("ETHUSDT"))
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, e.Instruments())
	assert.Eventually(t, func() bool { n, _ := candles.snapshot(); return n == 2 }, 2*time.Second, 10*time.Millisecond)

	e.RemoveInstrument("btcusdt")
	assert.Equal(t, []string{"ethusdt"}, e.Instruments())

	e.Stop()
	e.Stop()
	assert.ErrorIs(t, e.AddInstrument("solusdt"), ErrStopped)
}
