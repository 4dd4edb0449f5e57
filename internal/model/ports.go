package model

import (
	"context"
	"fmt"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage implementations
// (SQLite, Redis). Each implementation satisfies one or more of them.

// TimeRange bounds a query. A zero Start or End leaves that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Last returns the range covering d up to now.
func Last(d time.Duration, now time.Time) TimeRange {
	return TimeRange{Start: now.Add(-d), End: now}
}

// TickWriter persists ticks in bulk.
type TickWriter interface {
	InsertTicks(ctx context.Context, ticks []Tick) error
}

// TickReader reads persisted ticks, oldest-first. The limit keeps the most recent rows.
type TickReader interface {
	GetTicks(ctx context.Context, instrument string, r TimeRange, limit int) ([]Tick, error)
}

// CandleWriter inserts or updates a candle keyed by (instrument, timeframe, bucket_start).
type CandleWriter interface {
	UpsertCandle(ctx context.Context, c Candle) error
}

// CandleReader reads persisted candles, oldest-first. The limit keeps the most recent rows.
type CandleReader interface {
	GetCandles(ctx context.Context, instrument, timeframe string, r TimeRange, limit int) ([]Candle, error)
}

// AlertStore persists alert definitions.
type AlertStore interface {
	CreateAlert(ctx context.Context, a AlertDefinition) (int64, error)
	GetAlert(ctx context.Context, id int64) (AlertDefinition, error)
	GetAlerts(ctx context.Context, activeOnly bool) ([]AlertDefinition, error)
	UpdateAlertTrigger(ctx context.Context, id int64, at time.Time) error
	DeleteAlert(ctx context.Context, id int64) error
}

// TickCache is the low-latency per-instrument tick list.
// Implementations may be unavailable; callers fall back to TickReader.
type TickCache interface {
	PushTick(ctx context.Context, t Tick) error
	// RecentTicks returns up to count ticks, most recent first.
	RecentTicks(ctx context.Context, instrument string, count int) ([]Tick, error)
}

// LatestTick returns the newest tick for instrument. The cache is tried
// first; storage answers when the cache is nil, empty or failing.
func LatestTick(ctx context.Context, cache TickCache, ticks TickReader, instrument string) (Tick, bool, error) {
	if cache != nil {
		recent, err := cache.RecentTicks(ctx, instrument, 1)
		if err == nil && len(recent) > 0 {
			return recent[0], true, nil
		}
	}
	stored, err := ticks.GetTicks(ctx, instrument, TimeRange{}, 1)
	if err != nil {
		return Tick{}, false, fmt.Errorf("latest tick: %w", err)
	}
	if len(stored) == 0 {
		return Tick{}, false, nil
	}
	return stored[len(stored)-1], true, nil
}

// KVCache stores memoized values with a TTL. ok is false on a miss.
type KVCache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
}
