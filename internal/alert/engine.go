// Package alert periodically evaluates user-defined threshold alerts against
// live prices and analytics, and keeps a ring of the most recent triggers.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pairs-analytics/internal/analytics"
	"pairs-analytics/internal/model"
	"pairs-analytics/internal/notification"
	"pairs-analytics/internal/ringbuf"
)

const (
	defaultInterval  = 5 * time.Second
	defaultTimeframe = "1m"
	defaultWindow    = 20
	defaultLookback  = 100
	defaultRingSize  = 100
	notifyTimeout    = 10 * time.Second
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("alert engine stopped")

// Analytics is the subset of the analytics engine alerts depend on.
type Analytics interface {
	BasicStats(ctx context.Context, instrument, timeframe string, window int) (analytics.Result[analytics.BasicStats], error)
	Volatility(ctx context.Context, instrument, timeframe string, window int) (analytics.Result[analytics.Volatility], error)
	SpreadZScore(ctx context.Context, a, b, timeframe string, lookback, window int) (analytics.Result[analytics.SpreadZScore], error)
}

// Config configures the engine. Zero values take defaults.
type Config struct {
	Interval  time.Duration // evaluation period, defaults to 5s
	Timeframe string        // candle timeframe for analytics metrics, defaults to 1m
	Window    int           // rolling window for analytics metrics, defaults to 20
	Lookback  int           // spread regression lookback, defaults to 100
	RingSize  int           // retained triggers, defaults to 100
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeframe == "" {
		c.Timeframe = defaultTimeframe
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.RingSize <= 0 {
		c.RingSize = defaultRingSize
	}
}

// Engine evaluates active alerts on a fixed interval.
type Engine struct {
	cfg       Config
	store     model.AlertStore
	ticks     model.TickReader
	cache     model.TickCache // nil when running storage-only
	analytics Analytics
	notifier  notification.Notifier
	triggers  *ringbuf.Ring[model.TriggerEvent]

	// Now is the wall clock; tests replace it.
	Now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	// Optional hooks.
	OnTrigger func(ev model.TriggerEvent)
	OnCycle   func(evaluated, failed int, took time.Duration)
}

// New creates an engine. cache and notifier may be nil.
func New(cfg Config, store model.AlertStore, ticks model.TickReader, cache model.TickCache, a Analytics, notifier notification.Notifier) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		ticks:     ticks,
		cache:     cache,
		analytics: a,
		notifier:  notifier,
		triggers:  ringbuf.New[model.TriggerEvent](cfg.RingSize),
		Now:       time.Now,
	}
}

// Start launches the evaluation loop. It does not block.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.cancel != nil {
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	log.Printf("[alert] started, interval=%s timeframe=%s", e.cfg.Interval, e.cfg.Timeframe)
	return nil
}

// Stop cancels the loop and waits for the running cycle to finish.
// Calling Stop again is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	log.Println("[alert] stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one EvaluateOnce and keeps the loop alive on error or panic.
func (e *Engine) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[alert] cycle panic: %v", r)
		}
	}()
	if _, err := e.EvaluateOnce(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[alert] cycle: %v", err)
	}
}

// RecentTriggers returns up to limit of the latest triggers, oldest first.
func (e *Engine) RecentTriggers(limit int) []model.TriggerEvent {
	return e.triggers.Last(limit)
}

// EvaluateOnce loads the active alerts and evaluates each one. A failure on
// one alert is logged and does not stop the others; the returned error only
// reports a failure to load the alert list.
func (e *Engine) EvaluateOnce(ctx context.Context) ([]model.TriggerEvent, error) {
	start := time.Now()
	defs, err := e.store.GetAlerts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	var fired []model.TriggerEvent
	failed := 0
	for _, def := range defs {
		if ctx.Err() != nil {
			break
		}
		c, err := e.compile(def)
		if err != nil {
			failed++
			log.Printf("[alert] skipping alert %d (%s): %v", def.ID, def.Name, err)
			continue
		}
		ev, ok, err := e.evaluate(ctx, c)
		if err != nil {
			failed++
			log.Printf("[alert] alert %d (%s): %v", def.ID, def.Name, err)
			continue
		}
		if ok {
			e.record(ctx, ev)
			fired = append(fired, ev)
		}
	}

	if e.OnCycle != nil {
		e.OnCycle(len(defs), failed, time.Since(start))
	}
	return fired, nil
}

// resolver reads the current value of an alert's metric. ok is false when
// the value is unavailable, which is not an error.
type resolver func(ctx context.Context) (value float64, ok bool, err error)

type compiled struct {
	def     model.AlertDefinition
	cond    model.Condition
	resolve resolver
}

// compile binds an alert's metric name to its resolver once per load.
func (e *Engine) compile(def model.AlertDefinition) (compiled, error) {
	metric, err := model.ParseMetric(string(def.Metric))
	if err != nil {
		return compiled{}, err
	}
	cond, err := model.ParseCondition(string(def.Condition))
	if err != nil {
		return compiled{}, err
	}
	c := compiled{def: def, cond: cond}
	c.def.Metric = metric

	switch metric {
	case model.MetricPrice:
		c.resolve = func(ctx context.Context) (float64, bool, error) {
			return e.latestPrice(ctx, def.Instrument)
		}
	case model.MetricZScore:
		a, b, err := model.SplitPair(def.Instrument)
		if err != nil {
			return compiled{}, err
		}
		c.resolve = func(ctx context.Context) (float64, bool, error) {
			res, err := e.analytics.SpreadZScore(ctx, a, b, e.cfg.Timeframe, e.cfg.Lookback, e.cfg.Window)
			return res.Value.CurrentZScore, res.OK, err
		}
	case model.MetricVolume:
		c.resolve = func(ctx context.Context) (float64, bool, error) {
			res, err := e.analytics.BasicStats(ctx, def.Instrument, e.cfg.Timeframe, e.cfg.Window)
			return res.Value.CurrentVolume, res.OK, err
		}
	case model.MetricVolatility:
		c.resolve = func(ctx context.Context) (float64, bool, error) {
			res, err := e.analytics.Volatility(ctx, def.Instrument, e.cfg.Timeframe, e.cfg.Window)
			return res.Value.RollingVolatility, res.OK, err
		}
	}
	return c, nil
}

func (e *Engine) evaluate(ctx context.Context, c compiled) (model.TriggerEvent, bool, error) {
	value, ok, err := c.resolve(ctx)
	if err != nil || !ok {
		return model.TriggerEvent{}, false, err
	}
	if !c.cond.Eval(value, c.def.Threshold) {
		return model.TriggerEvent{}, false, nil
	}
	return model.TriggerEvent{
		AlertID:       c.def.ID,
		AlertName:     c.def.Name,
		Instrument:    c.def.Instrument,
		Metric:        c.def.Metric,
		ObservedValue: value,
		Condition:     c.cond,
		Threshold:     c.def.Threshold,
		Timestamp:     e.Now().UTC(),
	}, true, nil
}

// latestPrice reads the newest cached tick, falling back to storage.
func (e *Engine) latestPrice(ctx context.Context, instrument string) (float64, bool, error) {
	t, ok, err := model.LatestTick(ctx, e.cache, e.ticks, instrument)
	return t.Price, ok, err
}

// record persists last_triggered, appends to the ring and notifies.
func (e *Engine) record(ctx context.Context, ev model.TriggerEvent) {
	log.Printf("[alert] triggered %d (%s): %s %s %.6g %s %.6g",
		ev.AlertID, ev.AlertName, ev.Instrument, ev.Metric, ev.ObservedValue, ev.Condition, ev.Threshold)

	if err := e.store.UpdateAlertTrigger(ctx, ev.AlertID, ev.Timestamp); err != nil {
		log.Printf("[alert] update last_triggered for %d: %v", ev.AlertID, err)
	}
	e.triggers.Push(ev)
	if e.OnTrigger != nil {
		e.OnTrigger(ev)
	}
	if e.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(nctx, ev); err != nil {
			log.Printf("[alert] notify %d: %v", ev.AlertID, err)
		}
	}
}
