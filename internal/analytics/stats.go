package analytics

import (
	"context"
	"fmt"
	"math"

	"pairs-analytics/internal/model"
)

// BasicStats summarizes the instrument's recent candles. When fewer than
// window candles exist it falls back to raw ticks, reporting timeframe "tick".
func (e *Engine) BasicStats(ctx context.Context, instrument, timeframe string, window int) (Result[BasicStats], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[BasicStats]{}, err
	}
	if err := checkWindow("window", window, 2); err != nil {
		return Result[BasicStats]{}, err
	}
	key := fmt.Sprintf("basic:%s:%s:%d", instrument, tf, window)
	return memoize(ctx, e, key, func() (Result[BasicStats], error) {
		candles := e.recentCandles(ctx, instrument, tf, statsCandleLimit)
		if len(candles) >= window {
			return okResult(statsFromCandles(instrument, tf, window, candles)), nil
		}
		ticks := e.recentTicks(ctx, instrument, statsTickLimit)
		if len(ticks) < window {
			return insufficient[BasicStats]("need %d candles or ticks for %s, have %d candles and %d ticks",
				window, instrument, len(candles), len(ticks)), nil
		}
		return okResult(statsFromTicks(instrument, window, ticks)), nil
	})
}

func statsFromCandles(instrument string, tf model.Timeframe, window int, candles []model.Candle) BasicStats {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], volumes[i], highs[i], lows[i] = c.Close, c.Volume, c.High, c.Low
	}
	last := candles[len(candles)-1]
	s := BasicStats{
		Instrument:    instrument,
		Timeframe:     tf.String(),
		Timestamp:     last.BucketStart,
		CurrentPrice:  last.Close,
		High24h:       maxOf(highs),
		Low24h:        minOf(lows),
		AvgVolume:     mean(volumes),
		CurrentVolume: last.Volume,
		Window:        window,
		DataPoints:    len(candles),
		Source:        SourceOHLC,
	}
	s.RollingMean, s.RollingStd = rollingMeanStd(closes, window)
	s.PriceChange, s.PriceChangePct = lastChange(closes)
	return s
}

func statsFromTicks(instrument string, window int, ticks []model.Tick) BasicStats {
	prices := make([]float64, len(ticks))
	sizes := make([]float64, len(ticks))
	for i, t := range ticks {
		prices[i], sizes[i] = t.Price, t.Size
	}
	last := ticks[len(ticks)-1]
	s := BasicStats{
		Instrument:    instrument,
		Timeframe:     "tick",
		Timestamp:     last.Timestamp,
		CurrentPrice:  last.Price,
		High24h:       maxOf(prices),
		Low24h:        minOf(prices),
		AvgVolume:     mean(sizes),
		CurrentVolume: last.Size,
		Window:        window,
		DataPoints:    len(ticks),
		Source:        SourceTicks,
	}
	s.RollingMean, s.RollingStd = rollingMeanStd(prices, window)
	s.PriceChange, s.PriceChangePct = lastChange(prices)
	return s
}

// lastChange is the absolute and percent change of the final value over its predecessor.
func lastChange(xs []float64) (float64, float64) {
	if len(xs) < 2 {
		return 0, 0
	}
	prev, cur := xs[len(xs)-2], xs[len(xs)-1]
	if prev <= 0 {
		return cur - prev, 0
	}
	return cur - prev, (cur - prev) / prev * 100
}

// Volatility annualizes the standard deviation of bar-over-bar returns,
// over all loaded candles and over the trailing window of returns.
func (e *Engine) Volatility(ctx context.Context, instrument, timeframe string, window int) (Result[Volatility], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[Volatility]{}, err
	}
	if err := checkWindow("window", window, 2); err != nil {
		return Result[Volatility]{}, err
	}
	key := fmt.Sprintf("volatility:%s:%s:%d", instrument, tf, window)
	return memoize(ctx, e, key, func() (Result[Volatility], error) {
		candles := e.recentCandles(ctx, instrument, tf, statsCandleLimit)
		if len(candles) < window+1 {
			return insufficient[Volatility]("need %d candles for %s %s, have %d", window+1, instrument, tf, len(candles)), nil
		}
		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close
		}
		returns := pctChange(closes)
		for _, r := range returns {
			if math.IsNaN(r) || math.IsInf(r, 0) {
				return insufficient[Volatility]("non-finite return in %s %s", instrument, tf), nil
			}
		}
		annualize := math.Sqrt(tf.PeriodsPerYear()) * 100
		return okResult(Volatility{
			Instrument:           instrument,
			Timeframe:            tf.String(),
			HistoricalVolatility: sampleStd(returns) * annualize,
			RollingVolatility:    sampleStd(tail(returns, window)) * annualize,
			Window:               window,
			DataPoints:           len(candles),
		}), nil
	})
}
