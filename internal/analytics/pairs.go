package analytics

import (
	"context"
	"fmt"

	"pairs-analytics/internal/model"
)

// pairSeries loads lookback candles for both legs and joins them on bucket start.
func (e *Engine) pairSeries(ctx context.Context, a, b string, tf model.Timeframe, limit int) (aligned, string) {
	ca := e.recentCandles(ctx, a, tf, limit)
	cb := e.recentCandles(ctx, b, tf, limit)
	if len(ca) < minRegressionObs || len(cb) < minRegressionObs {
		return aligned{}, fmt.Sprintf("need %d candles per instrument, have %s=%d %s=%d",
			minRegressionObs, a, len(ca), b, len(cb))
	}
	s := innerJoin(ca, cb)
	if s.len() < minRegressionObs {
		return aligned{}, fmt.Sprintf("need %d aligned candles for %s/%s, have %d", minRegressionObs, a, b, s.len())
	}
	return s, ""
}

func fit(method Method, x, y []float64) (linearFit, bool) {
	if method == MethodHuber {
		return fitHuber(x, y)
	}
	return fitOLS(x, y)
}

// HedgeRatio regresses A's closes on B's closes over the last lookback candles.
func (e *Engine) HedgeRatio(ctx context.Context, a, b, timeframe string, lookback int, method string) (Result[HedgeRatio], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[HedgeRatio]{}, err
	}
	m, err := ParseMethod(method)
	if err != nil {
		return Result[HedgeRatio]{}, err
	}
	if err := checkWindow("lookback", lookback, minRegressionObs); err != nil {
		return Result[HedgeRatio]{}, err
	}
	key := fmt.Sprintf("hedge:%s:%s:%s:%d:%s", a, b, tf, lookback, m)
	return memoize(ctx, e, key, func() (Result[HedgeRatio], error) {
		s, reason := e.pairSeries(ctx, a, b, tf, lookback)
		if reason != "" {
			return insufficient[HedgeRatio]("%s", reason), nil
		}
		f, ok := fit(m, s.b, s.a)
		if !ok {
			return insufficient[HedgeRatio]("%s is constant over the lookback", b), nil
		}
		return okResult(HedgeRatio{
			Instrument1: a,
			Instrument2: b,
			Timeframe:   tf.String(),
			HedgeRatio:  f.slope,
			Intercept:   f.intercept,
			RSquared:    rSquared(f, s.b, s.a),
			Method:      m,
			Lookback:    lookback,
			DataPoints:  s.len(),
		}), nil
	})
}

// spreadStats builds the spread A - beta*B and scores its latest value
// against the trailing window.
func spreadStats(s aligned, f linearFit, window int) SpreadZScore {
	spread := make([]float64, s.len())
	for i := range spread {
		spread[i] = s.a[i] - f.slope*s.b[i]
	}
	last := len(spread) - 1
	z := SpreadZScore{
		HedgeRatio:    f.slope,
		Intercept:     f.intercept,
		CurrentSpread: spread[last],
		SpreadMean:    mean(spread),
		SpreadStd:     sampleStd(spread),
		Price1:        s.a[last],
		Price2:        s.b[last],
		Timestamp:     s.ts[last],
		Window:        window,
		DataPoints:    len(spread),
	}
	z.RollingMean, z.RollingStd = rollingMeanStd(spread, window)
	z.CurrentZScore = zScore(z.CurrentSpread, z.RollingMean, z.RollingStd)
	return z
}

// SpreadZScore scores the current OLS spread of A and B against its rolling window.
func (e *Engine) SpreadZScore(ctx context.Context, a, b, timeframe string, lookback, window int) (Result[SpreadZScore], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[SpreadZScore]{}, err
	}
	if err := checkWindow("lookback", lookback, minRegressionObs); err != nil {
		return Result[SpreadZScore]{}, err
	}
	if err := checkWindow("window", window, 2); err != nil {
		return Result[SpreadZScore]{}, err
	}
	key := fmt.Sprintf("spread:%s:%s:%s:%d:%d", a, b, tf, lookback, window)
	return memoize(ctx, e, key, func() (Result[SpreadZScore], error) {
		s, reason := e.pairSeries(ctx, a, b, tf, lookback)
		if reason != "" {
			return insufficient[SpreadZScore]("%s", reason), nil
		}
		if s.len() < window {
			return insufficient[SpreadZScore]("need %d aligned candles for a %d window, have %d", window, window, s.len()), nil
		}
		f, ok := fitOLS(s.b, s.a)
		if !ok {
			return insufficient[SpreadZScore]("%s is constant over the lookback", b), nil
		}
		z := spreadStats(s, f, window)
		z.Instrument1, z.Instrument2 = a, b
		z.Timeframe = tf.String()
		z.Method = "candle_based"
		return okResult(z), nil
	})
}

// SpreadZScoreTicks is SpreadZScore over raw ticks: each tick of A is
// paired with the nearest tick of B within TickAlignTolerance.
func (e *Engine) SpreadZScoreTicks(ctx context.Context, a, b string, ticks, window int) (Result[SpreadZScore], error) {
	if err := checkWindow("window", window, 2); err != nil {
		return Result[SpreadZScore]{}, err
	}
	if err := checkWindow("ticks", ticks, window); err != nil {
		return Result[SpreadZScore]{}, err
	}
	key := fmt.Sprintf("spread_ticks:%s:%s:%d:%d", a, b, ticks, window)
	return memoize(ctx, e, key, func() (Result[SpreadZScore], error) {
		ta := e.recentTicks(ctx, a, ticks)
		tb := e.recentTicks(ctx, b, ticks)
		if len(ta) < window || len(tb) < window {
			return insufficient[SpreadZScore]("need %d ticks per instrument, have %s=%d %s=%d",
				window, a, len(ta), b, len(tb)), nil
		}
		s := alignNearest(ta, tb, TickAlignTolerance)
		if s.len() < window {
			return insufficient[SpreadZScore]("need %d aligned ticks for %s/%s, have %d", window, a, b, s.len()), nil
		}
		f, ok := fitOLS(s.b, s.a)
		if !ok {
			return insufficient[SpreadZScore]("%s price is constant over the sample", b), nil
		}
		z := spreadStats(s, f, window)
		z.Instrument1, z.Instrument2 = a, b
		z.Timeframe = "tick"
		z.Method = "tick_based"
		return okResult(z), nil
	})
}

// RollingCorrelation computes the Pearson correlation of aligned closes over
// every trailing window. Windows where either leg is flat are skipped.
func (e *Engine) RollingCorrelation(ctx context.Context, a, b, timeframe string, window int) (Result[RollingCorrelation], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[RollingCorrelation]{}, err
	}
	if err := checkWindow("window", window, 2); err != nil {
		return Result[RollingCorrelation]{}, err
	}
	key := fmt.Sprintf("correlation:%s:%s:%s:%d", a, b, tf, window)
	return memoize(ctx, e, key, func() (Result[RollingCorrelation], error) {
		s := innerJoin(
			e.recentCandles(ctx, a, tf, statsCandleLimit),
			e.recentCandles(ctx, b, tf, statsCandleLimit),
		)
		if s.len() < window {
			return insufficient[RollingCorrelation]("need %d aligned candles for %s/%s, have %d", window, a, b, s.len()), nil
		}
		var series []CorrelationPoint
		var values []float64
		for end := window; end <= s.len(); end++ {
			r, ok := pearson(s.a[end-window:end], s.b[end-window:end])
			if !ok {
				continue
			}
			series = append(series, CorrelationPoint{Timestamp: s.ts[end-1], Correlation: r})
			values = append(values, r)
		}
		if len(series) == 0 {
			return insufficient[RollingCorrelation]("no window with price variation in both %s and %s", a, b), nil
		}
		if len(series) > correlationPoints {
			series = series[len(series)-correlationPoints:]
		}
		return okResult(RollingCorrelation{
			Instrument1:        a,
			Instrument2:        b,
			Timeframe:          tf.String(),
			Window:             window,
			CurrentCorrelation: values[len(values)-1],
			MeanCorrelation:    mean(values),
			Series:             series,
			DataPoints:         s.len(),
		}), nil
	})
}
