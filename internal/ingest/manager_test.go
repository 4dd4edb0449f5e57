package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pairs-analytics/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu          sync.Mutex
	out         chan<- model.Tick
	instruments []string
	stopped     bool
}

func (s *fakeSource) Start(_ context.Context, out chan<- model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = out
	return nil
}
func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
func (s *fakeSource) AddInstrument(i string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = append(s.instruments, i)
	return nil
}
func (s *fakeSource) RemoveInstrument(i string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.instruments {
		if v == i {
			s.instruments = append(s.instruments[:k], s.instruments[k+1:]...)
			return
		}
	}
}
func (s *fakeSource) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.instruments...)
}
func (s *fakeSource) Connected() []string { return s.Instruments() }

func (s *fakeSource) emit(t model.Tick) { s.out <- t }

type fakeStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	ticks    []model.Tick
}

func (s *fakeStore) InsertTicks(_ context.Context, ticks []model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errors.New("database is locked")
	}
	s.ticks = append(s.ticks, ticks...)
	return nil
}

func (s *fakeStore) stored() []model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Tick(nil), s.ticks...)
}

type fakeCache struct {
	mu     sync.Mutex
	pushed int
}

func (c *fakeCache) PushTick(context.Context, model.Tick) error {
	c.mu.Lock()
	c.pushed++
	c.mu.Unlock()
	return nil
}
func (c *fakeCache) RecentTicks(context.Context, string, int) ([]model.Tick, error) { return nil, nil }

func (c *fakeCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushed
}

func tick(inst string, i int) model.Tick {
	return model.Tick{
		Instrument: inst,
		Timestamp:  time.Unix(1700000000, 0).Add(time.Duration(i) * time.Millisecond).UTC(),
		Price:      float64(100 + i),
		Size:       1,
	}
}

func TestManager_PeriodicFlushAndCache(t *testing.T) {
	src := &fakeSource{instruments: []string{"btcusdt"}}
	store := &fakeStore{}
	cache := &fakeCache{}
	m := New(Config{FlushInterval: 20 * time.Millisecond}, src, store, cache)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	for i := 0; i < 10; i++ {
		src.emit(tick("btcusdt", i))
	}

	assert.Eventually(t, func() bool { return len(store.stored()) == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10, cache.count())
	assert.Equal(t, 0, m.Buffered())
}

func TestManager_FailedFlushIsRetriedInOrder(t *testing.T) {
	src := &fakeSource{}
	store := &fakeStore{failures: 2}
	m := New(Config{FlushInterval: time.Hour}, src, store, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	for i := 0; i < 3; i++ {
		src.emit(tick("btcusdt", i))
	}
	require.Eventually(t, func() bool { return m.Buffered() == 3 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	assert.Error(t, m.Flush(ctx))
	assert.Equal(t, 3, m.Buffered())

	src.emit(tick("btcusdt", 3))
	require.Eventually(t, func() bool { return m.Buffered() == 4 }, time.Second, 5*time.Millisecond)
	assert.Error(t, m.Flush(ctx))
	assert.NoError(t, m.Flush(ctx))

	got := store.stored()
	require.Len(t, got, 4)
	for i, tk := range got {
		assert.Equal(t, float64(100+i), tk.Price, "tick %d out of order", i)
	}
}

func TestManager_StopFlushesEverythingReceived(t *testing.T) {
	src := &fakeSource{}
	store := &fakeStore{}
	m := New(Config{FlushInterval: time.Hour}, src, store, nil)
	require.NoError(t, m.Start(context.Background()))

	for i := 0; i < 100; i++ {
		src.emit(tick("ethusdt", i))
	}
	require.NoError(t, m.Stop())

	assert.Len(t, store.stored(), 100)
	assert.True(t, src.stopped)
	assert.False(t, m.Status().Running)

	// idempotent
	assert.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestManager_DropsOldestBeyondBound(t *testing.T) {
	src := &fakeSource{}
	store := &fakeStore{failures: -1}
	m := New(Config{FlushInterval: time.Hour, MaxBuffered: 5}, src, store, nil)
	var dropped int
	m.OnDropped = func(n int) { dropped += n }
	require.NoError(t, m.Start(context.Background()))

	for i := 0; i < 8; i++ {
		src.emit(tick("btcusdt", i))
	}
	require.Eventually(t, func() bool { return m.Buffered() == 8 }, time.Second, 5*time.Millisecond)
	assert.Error(t, m.Flush(context.Background()))
	assert.Equal(t, 5, m.Buffered())
	assert.Equal(t, 3, dropped)

	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()
	require.NoError(t, m.Stop())
	got := store.stored()
	require.Len(t, got, 5)
	assert.Equal(t, 103.0, got[0].Price)
}

type fakeTracker struct{ added, removed []string }

func (f *fakeTracker) AddInstrument(i string) error { f.added = append(f.added, i); return nil }
func (f *fakeTracker) RemoveInstrument(i string)    { f.removed = append(f.removed, i) }

func TestManager_InstrumentChangesReachFollowers(t *testing.T) {
	src := &fakeSource{instruments: []string{"btcusdt"}}
	tr := &fakeTracker{}
	m := New(Config{}, src, &fakeStore{}, nil)
	m.Follow(tr)

	require.NoError(t, m.AddInstrument("ethusdt"))
	m.RemoveInstrument("btcusdt")

	assert.Equal(t, []string{"ethusdt"}, tr.added)
	assert.Equal(t, []string{"btcusdt"}, tr.removed)
	st := m.Status()
	assert.Equal(t, []string{"ethusdt"}, st.Instruments)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.BufferedTicks)
}
