package analytics

import (
	"context"
	"fmt"
	"log"
)

func (e *Engine) maxLag(maxLag int) int {
	if maxLag <= 0 {
		return e.MaxLag
	}
	return maxLag
}

func stationarity(r adfResult) StationarityTest {
	return StationarityTest{
		ADFStatistic:   r.stat,
		PValue:         r.pvalue,
		UsedLag:        r.usedLag,
		NObs:           r.nobs,
		CriticalValues: r.critical,
		IsStationary:   r.pvalue < StationaritySignificance,
	}
}

// StationarityTest runs the ADF test on the instrument's recent closes.
// maxLag <= 0 uses the engine default.
func (e *Engine) StationarityTest(ctx context.Context, instrument, timeframe string, maxLag int) (Result[StationarityTest], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[StationarityTest]{}, err
	}
	maxLag = e.maxLag(maxLag)
	key := fmt.Sprintf("adf:%s:%s:%d", instrument, tf, maxLag)
	return memoize(ctx, e, key, func() (Result[StationarityTest], error) {
		candles := e.recentCandles(ctx, instrument, tf, statsCandleLimit)
		if len(candles) < MinADFObservations {
			return insufficient[StationarityTest]("need %d candles for %s %s, have %d",
				MinADFObservations, instrument, tf, len(candles)), nil
		}
		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close
		}
		r, err := adfTest(closes, maxLag)
		if err != nil {
			log.Printf("[analytics] adf %s %s: %v", instrument, tf, err)
			return insufficient[StationarityTest]("adf test failed for %s: %v", instrument, err), nil
		}
		st := stationarity(r)
		st.Instrument = instrument
		st.Timeframe = tf.String()
		st.Interpretation = "Non-stationary"
		if st.IsStationary {
			st.Interpretation = "Stationary"
		}
		return okResult(st), nil
	})
}

// SpreadStationarityTest runs the ADF test on the hedge-ratio spread A - beta*B
// over the last lookback aligned candles.
func (e *Engine) SpreadStationarityTest(ctx context.Context, a, b, timeframe string, lookback int) (Result[StationarityTest], error) {
	tf, err := parseTF(timeframe)
	if err != nil {
		return Result[StationarityTest]{}, err
	}
	if err := checkWindow("lookback", lookback, MinADFObservations); err != nil {
		return Result[StationarityTest]{}, err
	}
	key := fmt.Sprintf("spread_adf:%s:%s:%s:%d", a, b, tf, lookback)
	return memoize(ctx, e, key, func() (Result[StationarityTest], error) {
		s, reason := e.pairSeries(ctx, a, b, tf, lookback)
		if reason != "" {
			return insufficient[StationarityTest]("%s", reason), nil
		}
		if s.len() < MinADFObservations {
			return insufficient[StationarityTest]("need %d aligned candles for %s/%s, have %d",
				MinADFObservations, a, b, s.len()), nil
		}
		f, ok := fitOLS(s.b, s.a)
		if !ok {
			return insufficient[StationarityTest]("%s is constant over the lookback", b), nil
		}
		spread := make([]float64, s.len())
		for i := range spread {
			spread[i] = s.a[i] - f.slope*s.b[i]
		}
		r, err := adfTest(spread, e.MaxLag)
		if err != nil {
			log.Printf("[analytics] spread adf %s/%s: %v", a, b, err)
			return insufficient[StationarityTest]("adf test failed for %s/%s spread: %v", a, b, err), nil
		}
		st := stationarity(r)
		st.Instrument1, st.Instrument2 = a, b
		st.HedgeRatio = f.slope
		st.Timeframe = tf.String()
		st.Interpretation = "Spread is non-stationary"
		if st.IsStationary {
			st.Interpretation = "Spread is stationary (good for pairs trading)"
		}
		return okResult(st), nil
	})
}
