// Package resample derives OHLC candles from recent ticks. One task runs per
// (instrument, timeframe) on an interval equal to the timeframe, and each
// task writes the latest complete candle exactly once per bucket.
package resample

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"pairs-analytics/internal/model"
)

const (
	defaultTickLimit      = 1000
	defaultFallbackWindow = time.Hour
)

// ErrStopped is returned by Start and AddInstrument after Stop.
var ErrStopped = errors.New("resampling engine stopped")

// Config configures the engine.
type Config struct {
	TickLimit      int           // ticks read from the cache per cycle, defaults to 1000
	FallbackWindow time.Duration // how far back storage is searched for the last tick, defaults to 1h
}

func (c *Config) defaults() {
	if c.TickLimit <= 0 {
		c.TickLimit = defaultTickLimit
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = defaultFallbackWindow
	}
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the per-key resampling tasks.
type Engine struct {
	cfg     Config
	tfs     []model.Timeframe
	cache   model.TickCache // nil when running storage-only
	ticks   model.TickReader
	candles model.CandleWriter

	// Now is the wall clock; tests replace it.
	Now func() time.Time

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	tasks         map[string]map[string]*task // instrument -> timeframe -> task
	lastPersisted map[string]time.Time        // "instrument:timeframe" -> bucket start
	stopped       bool
	wg            sync.WaitGroup

	// Optional hooks.
	OnCandle func(c model.Candle)
	OnError  func(instrument, timeframe string, err error)
}

// New creates an engine for the given timeframes. cache may be nil.
func New(cfg Config, tfs []model.Timeframe, cache model.TickCache, ticks model.TickReader, candles model.CandleWriter) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:           cfg,
		tfs:           tfs,
		cache:         cache,
		ticks:         ticks,
		candles:       candles,
		Now:           time.Now,
		tasks:         make(map[string]map[string]*task),
		lastPersisted: make(map[string]time.Time),
	}
}

// Start launches one task per instrument and timeframe. It does not block.
func (e *Engine) Start(ctx context.Context, instruments []string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.ctx == nil {
		e.ctx, e.cancel = context.WithCancel(ctx)
	}
	e.mu.Unlock()

	for _, inst := range instruments {
		if err := e.AddInstrument(inst); err != nil {
			return err
		}
	}
	log.Printf("[resample] started for %d instruments x %d timeframes", len(instruments), len(e.tfs))
	return nil
}

// AddInstrument spawns the tasks for instrument. No-op if already running.
// Before Start it only returns nil; Start picks up its own instrument list.
func (e *Engine) AddInstrument(instrument string) error {
	inst := strings.ToLower(strings.TrimSpace(instrument))
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.ctx == nil {
		return nil
	}
	if _, ok := e.tasks[inst]; ok {
		return nil
	}
	byTF := make(map[string]*task, len(e.tfs))
	for _, tf := range e.tfs {
		tctx, cancel := context.WithCancel(e.ctx)
		t := &task{cancel: cancel, done: make(chan struct{})}
		byTF[tf.String()] = t
		e.wg.Add(1)
		go func(tf model.Timeframe) {
			defer e.wg.Done()
			defer close(t.done)
			e.run(tctx, inst, tf)
		}(tf)
	}
	e.tasks[inst] = byTF
	return nil
}

// RemoveInstrument cancels the instrument's tasks and waits for them to exit.
func (e *Engine) RemoveInstrument(instrument string) {
	inst := strings.ToLower(strings.TrimSpace(instrument))
	e.mu.Lock()
	byTF := e.tasks[inst]
	delete(e.tasks, inst)
	e.mu.Unlock()

	for _, t := range byTF {
		t.cancel()
		<-t.done
	}
}

// Instruments returns the instruments with running tasks, sorted.
func (e *Engine) Instruments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tasks))
	for inst := range e.tasks {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every task and waits for them. Open buckets are not flushed.
// Calling Stop again is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.tasks = make(map[string]map[string]*task)
	e.mu.Unlock()

	e.wg.Wait()
	log.Println("[resample] stopped")
}

func (e *Engine) run(ctx context.Context, instrument string, tf model.Timeframe) {
	ticker := time.NewTicker(tf.Duration())
	defer ticker.Stop()

	for {
		e.cycle(ctx, instrument, tf)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one ResampleOnce and keeps the loop alive on error or panic.
func (e *Engine) cycle(ctx context.Context, instrument string, tf model.Timeframe) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[resample] %s %s: panic: %v", instrument, tf, r)
		}
	}()
	if _, _, err := e.ResampleOnce(ctx, instrument, tf); err != nil && ctx.Err() == nil {
		log.Printf("[resample] %s %s: %v", instrument, tf, err)
		if e.OnError != nil {
			e.OnError(instrument, tf.String(), err)
		}
	}
}

// ResampleOnce computes the latest complete candle for (instrument, tf) and
// upserts it unless the same bucket was already written by this engine.
// written reports whether a row was upserted.
func (e *Engine) ResampleOnce(ctx context.Context, instrument string, tf model.Timeframe) (c model.Candle, written bool, err error) {
	now := e.Now()
	ticks, err := e.recentTicks(ctx, instrument, tf, now)
	if err != nil {
		return c, false, err
	}

	c, ok := latestComplete(Aggregate(instrument, tf, ticks), tf, now)
	if !ok {
		return c, false, nil
	}

	key := c.Key()
	e.mu.Lock()
	last, seen := e.lastPersisted[key]
	e.mu.Unlock()
	if seen && last.Equal(c.BucketStart) {
		return c, false, nil
	}

	if err := e.candles.UpsertCandle(ctx, c); err != nil {
		return c, false, err
	}

	e.mu.Lock()
	e.lastPersisted[key] = c.BucketStart
	e.mu.Unlock()
	if e.OnCandle != nil {
		e.OnCandle(c)
	}
	return c, true, nil
}

// recentTicks returns every tick of the latest complete bucket, plus whatever
// newer ticks the cache holds. The cache is preferred; when it does not reach
// back to the bucket start, the missing head is read from storage. Any
// storage failure is returned so the bucket is retried next cycle.
func (e *Engine) recentTicks(ctx context.Context, instrument string, tf model.Timeframe, now time.Time) ([]model.Tick, error) {
	current := tf.BucketStart(now)

	var cached []model.Tick
	if e.cache != nil {
		var err error
		cached, err = e.cache.RecentTicks(ctx, instrument, e.cfg.TickLimit)
		if err != nil {
			log.Printf("[resample] cache read failed for %s, using storage: %v", instrument, err)
			cached = nil
		}
	}

	newest, ok := newestBefore(cached, current)
	if !ok {
		return e.storedBucket(ctx, instrument, tf, now)
	}
	bucket := tf.BucketStart(newest)
	oldest := oldestOf(cached)
	if oldest.Before(bucket) {
		return cached, nil
	}

	head, err := e.ticks.GetTicks(ctx, instrument, model.TimeRange{Start: bucket, End: oldest}, 0)
	if err != nil {
		return nil, fmt.Errorf("storage ticks: %w", err)
	}
	return merge(head, cached), nil
}

// storedBucket reads the newest complete bucket from storage without a row
// limit, so a busy bucket is never truncated.
func (e *Engine) storedBucket(ctx context.Context, instrument string, tf model.Timeframe, now time.Time) ([]model.Tick, error) {
	current := tf.BucketStart(now)
	lookback := e.cfg.FallbackWindow
	if floor := 2 * tf.Duration(); lookback < floor {
		lookback = floor
	}
	last, err := e.ticks.GetTicks(ctx, instrument,
		model.TimeRange{Start: current.Add(-lookback), End: current.Add(-time.Millisecond)}, 1)
	if err != nil {
		return nil, fmt.Errorf("storage ticks: %w", err)
	}
	if len(last) == 0 {
		return nil, nil
	}
	newest := last[len(last)-1].Timestamp
	ticks, err := e.ticks.GetTicks(ctx, instrument,
		model.TimeRange{Start: tf.BucketStart(newest), End: newest}, 0)
	if err != nil {
		return nil, fmt.Errorf("storage ticks: %w", err)
	}
	return ticks, nil
}

func newestBefore(ticks []model.Tick, limit time.Time) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, t := range ticks {
		if t.Timestamp.Before(limit) && (!found || t.Timestamp.After(newest)) {
			newest, found = t.Timestamp, true
		}
	}
	return newest, found
}

func oldestOf(ticks []model.Tick) time.Time {
	oldest := ticks[0].Timestamp
	for _, t := range ticks[1:] {
		if t.Timestamp.Before(oldest) {
			oldest = t.Timestamp
		}
	}
	return oldest
}
