// Package analytics computes statistical signals over stored candles and
// ticks: rolling stats, volatility, hedge ratios, spread z-scores, rolling
// correlation and the Augmented Dickey-Fuller stationarity test.
//
// Every operation returns a Result. Missing or too-short data yields an
// insufficient-data Result, never an error; the error return is reserved for
// bad arguments such as an unknown timeframe or regression method.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pairs-analytics/internal/model"
)

const (
	statsLookback     = 24 * time.Hour
	statsCandleLimit  = 500
	statsTickLimit    = 1000
	minRegressionObs  = 10
	correlationPoints = 100

	DefaultWindow    = 20
	DefaultLookback  = 100
	DefaultTickCount = 200
	DefaultMaxLag    = 10
	DefaultMemoTTL   = 5 * time.Second

	// TickAlignTolerance is the widest gap between matched ticks of two instruments.
	TickAlignTolerance = 5 * time.Second
)

// Store is the read side of storage the engine needs.
type Store interface {
	model.TickReader
	model.CandleReader
}

// Engine evaluates analytics on demand. It holds no per-call state.
type Engine struct {
	store Store
	memo  model.KVCache // nil disables memoization

	// Now is the wall clock; tests replace it.
	Now func() time.Time

	MaxLag  int           // default ADF max lag
	MemoTTL time.Duration // lifetime of memoized results
}

// New creates an engine. memo may be nil.
func New(store Store, memo model.KVCache) *Engine {
	return &Engine{
		store:   store,
		memo:    memo,
		Now:     time.Now,
		MaxLag:  DefaultMaxLag,
		MemoTTL: DefaultMemoTTL,
	}
}

// memoize serves a fresh result from the memo cache or computes and stores
// it. Only successful results are cached; cache failures are ignored.
func memoize[T any](ctx context.Context, e *Engine, key string, compute func() (Result[T], error)) (Result[T], error) {
	if e.memo == nil {
		return compute()
	}
	key = "analytics:" + key
	if raw, ok, err := e.memo.Get(ctx, key); err == nil && ok {
		var v T
		if json.Unmarshal(raw, &v) == nil {
			return okResult(v), nil
		}
	}
	res, err := compute()
	if err != nil || !res.OK {
		return res, err
	}
	if raw, err := json.Marshal(res.Value); err == nil {
		if err := e.memo.Set(ctx, key, raw, e.MemoTTL); err != nil {
			log.Printf("[analytics] memo set %s: %v", key, err)
		}
	}
	return res, nil
}

func parseTF(timeframe string) (model.Timeframe, error) {
	return model.ParseTimeframe(timeframe)
}

func checkWindow(name string, v, min int) error {
	if v < min {
		return fmt.Errorf("%w: %s must be at least %d, got %d", ErrInvalidWindow, name, min, v)
	}
	return nil
}

// recentCandles loads up to limit candles from the last 24h. Storage errors
// are logged and reported as no data.
func (e *Engine) recentCandles(ctx context.Context, instrument string, tf model.Timeframe, limit int) []model.Candle {
	candles, err := e.store.GetCandles(ctx, instrument, tf.String(), model.Last(statsLookback, e.Now()), limit)
	if err != nil {
		log.Printf("[analytics] candles %s %s: %v", instrument, tf, err)
		return nil
	}
	return candles
}

func (e *Engine) recentTicks(ctx context.Context, instrument string, limit int) []model.Tick {
	ticks, err := e.store.GetTicks(ctx, instrument, model.TimeRange{}, limit)
	if err != nil {
		log.Printf("[analytics] ticks %s: %v", instrument, err)
		return nil
	}
	return ticks
}

// aligned holds two close-price series joined on identical bucket starts.
type aligned struct {
	ts []time.Time
	a  []float64
	b  []float64
}

func (s aligned) len() int { return len(s.ts) }

// innerJoin keeps buckets present in both series, in time order.
func innerJoin(ca, cb []model.Candle) aligned {
	byTS := make(map[int64]float64, len(cb))
	for _, c := range cb {
		byTS[c.BucketStart.UnixMilli()] = c.Close
	}
	var out aligned
	for _, c := range ca {
		if pb, ok := byTS[c.BucketStart.UnixMilli()]; ok {
			out.ts = append(out.ts, c.BucketStart)
			out.a = append(out.a, c.Close)
			out.b = append(out.b, pb)
		}
	}
	return out
}

// alignNearest matches each tick of ta with the nearest-in-time tick of tb
// within tolerance (inclusive). Equidistant candidates resolve to the earlier
// tick. Unmatched ticks are dropped. Both inputs must be oldest-first.
func alignNearest(ta, tb []model.Tick, tolerance time.Duration) aligned {
	var out aligned
	j := 0
	for _, t := range ta {
		for j+1 < len(tb) && !tb[j+1].Timestamp.After(t.Timestamp) {
			j++
		}
		best := -1
		var bestGap time.Duration
		if j < len(tb) && !tb[j].Timestamp.After(t.Timestamp) {
			best, bestGap = j, t.Timestamp.Sub(tb[j].Timestamp)
		}
		next := j
		if best >= 0 {
			next = j + 1
		}
		if next < len(tb) {
			if gap := tb[next].Timestamp.Sub(t.Timestamp); best < 0 || gap < bestGap {
				best, bestGap = next, gap
			}
		}
		if best < 0 || bestGap > tolerance {
			continue
		}
		out.ts = append(out.ts, t.Timestamp)
		out.a = append(out.a, t.Price)
		out.b = append(out.b, tb[best].Price)
	}
	return out
}
