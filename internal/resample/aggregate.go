package resample

import (
	"sort"
	"time"

	"pairs-analytics/internal/model"
)

// Aggregate groups ticks into candles for tf. Ticks may arrive in any order;
// they are ordered by timestamp (stable, so equal timestamps keep arrival
// order) before open/close are taken. Candles are returned oldest-first.
func Aggregate(instrument string, tf model.Timeframe, ticks []model.Tick) []model.Candle {
	if len(ticks) == 0 {
		return nil
	}
	sorted := make([]model.Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var candles []model.Candle
	var cur *model.Candle
	for _, t := range sorted {
		bucket := tf.BucketStart(t.Timestamp)
		if cur == nil || !bucket.Equal(cur.BucketStart) {
			candles = append(candles, model.Candle{
				Instrument:  instrument,
				Timeframe:   tf.String(),
				BucketStart: bucket,
				Open:        t.Price,
				High:        t.Price,
				Low:         t.Price,
				Close:       t.Price,
				Volume:      t.Size,
				TradeCount:  1,
			})
			cur = &candles[len(candles)-1]
			continue
		}
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Size
		cur.TradeCount++
	}
	return candles
}

// latestComplete returns the newest candle whose bucket ends at or before
// the bucket containing now.
func latestComplete(candles []model.Candle, tf model.Timeframe, now time.Time) (model.Candle, bool) {
	current := tf.BucketStart(now)
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].BucketStart.Before(current) {
			return candles[i], true
		}
	}
	return model.Candle{}, false
}

type tickKey struct {
	id    int64
	ts    int64
	price float64
	size  float64
}

func keyOf(t model.Tick) tickKey {
	if t.TradeID > 0 {
		return tickKey{id: t.TradeID}
	}
	return tickKey{ts: t.Timestamp.UnixMilli(), price: t.Price, size: t.Size}
}

// merge unions two tick sets, dropping ticks present in both.
func merge(a, b []model.Tick) []model.Tick {
	seen := make(map[tickKey]struct{}, len(a)+len(b))
	out := make([]model.Tick, 0, len(a)+len(b))
	for _, set := range [][]model.Tick{a, b} {
		for _, t := range set {
			k := keyOf(t)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
