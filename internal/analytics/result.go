package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownMethod is returned for a regression method other than ols or huber.
	ErrUnknownMethod = errors.New("unknown regression method")
	// ErrInvalidWindow is returned for windows or lookbacks that cannot produce a value.
	ErrInvalidWindow = errors.New("invalid window")
)

// Result is either a computed value or an insufficient-data marker.
// Callers must check OK before reading Value.
type Result[T any] struct {
	OK     bool
	Reason string
	Value  T
}

func okResult[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

func insufficient[T any](format string, args ...any) Result[T] {
	return Result[T]{Reason: fmt.Sprintf(format, args...)}
}

// MarshalJSON renders the value, or {"error": reason} when data was insufficient.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if !r.OK {
		return json.Marshal(struct {
			Error            string `json:"error"`
			InsufficientData bool   `json:"insufficient_data"`
		}{r.Reason, true})
	}
	return json.Marshal(r.Value)
}

// Provenance tags for BasicStats.
const (
	SourceOHLC  = "computed_from_ohlc"
	SourceTicks = "computed_from_ticks"
)

// BasicStats summarizes recent price action for one instrument.
type BasicStats struct {
	Instrument     string    `json:"instrument"`
	Timeframe      string    `json:"timeframe"` // "tick" on the tick path
	Timestamp      time.Time `json:"timestamp"`
	CurrentPrice   float64   `json:"current_price"`
	PriceChange    float64   `json:"price_change"`
	PriceChangePct float64   `json:"price_change_pct"`
	RollingMean    float64   `json:"rolling_mean"`
	RollingStd     float64   `json:"rolling_std"`
	High24h        float64   `json:"high_24h"`
	Low24h         float64   `json:"low_24h"`
	AvgVolume      float64   `json:"avg_volume"`
	CurrentVolume  float64   `json:"current_volume"`
	Window         int       `json:"window"`
	DataPoints     int       `json:"data_points"`
	Source         string    `json:"stats"`
}

// Volatility is annualized return volatility in percent.
type Volatility struct {
	Instrument           string  `json:"instrument"`
	Timeframe            string  `json:"timeframe"`
	HistoricalVolatility float64 `json:"historical_volatility"`
	RollingVolatility    float64 `json:"rolling_volatility"`
	Window               int     `json:"window"`
	DataPoints           int     `json:"data_points"`
}

// Regression methods for HedgeRatio.
type Method string

const (
	MethodOLS   Method = "ols"
	MethodHuber Method = "huber"
)

// ParseMethod accepts "ols", "huber" and "robust" (an alias for huber). Empty means ols.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "ols":
		return MethodOLS, nil
	case "huber", "robust":
		return MethodHuber, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// HedgeRatio is the fit of price_A = beta*price_B + alpha.
type HedgeRatio struct {
	Instrument1 string  `json:"instrument1"`
	Instrument2 string  `json:"instrument2"`
	Timeframe   string  `json:"timeframe"`
	HedgeRatio  float64 `json:"hedge_ratio"`
	Intercept   float64 `json:"intercept"`
	RSquared    float64 `json:"r_squared"`
	Method      Method  `json:"method"`
	Lookback    int     `json:"lookback"`
	DataPoints  int     `json:"data_points"`
}

// SpreadZScore is the z-score of spread = A - beta*B.
type SpreadZScore struct {
	Instrument1   string    `json:"instrument1"`
	Instrument2   string    `json:"instrument2"`
	Timeframe     string    `json:"timeframe"` // "tick" for the tick-based variant
	HedgeRatio    float64   `json:"hedge_ratio"`
	Intercept     float64   `json:"intercept"`
	CurrentSpread float64   `json:"current_spread"`
	SpreadMean    float64   `json:"spread_mean"`
	SpreadStd     float64   `json:"spread_std"`
	RollingMean   float64   `json:"rolling_mean"`
	RollingStd    float64   `json:"rolling_std"`
	CurrentZScore float64   `json:"current_zscore"`
	Price1        float64   `json:"price1"`
	Price2        float64   `json:"price2"`
	Timestamp     time.Time `json:"timestamp"`
	Window        int       `json:"window"`
	DataPoints    int       `json:"data_points"`
	Method        string    `json:"method"` // "candle_based" or "tick_based"
}

// CorrelationPoint is one value of the rolling correlation series.
type CorrelationPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Correlation float64   `json:"correlation"`
}

// RollingCorrelation is the rolling Pearson correlation of aligned closes.
type RollingCorrelation struct {
	Instrument1        string             `json:"instrument1"`
	Instrument2        string             `json:"instrument2"`
	Timeframe          string             `json:"timeframe"`
	Window             int                `json:"window"`
	CurrentCorrelation float64            `json:"current_correlation"`
	MeanCorrelation    float64            `json:"mean_correlation"`
	Series             []CorrelationPoint `json:"correlation_series"`
	DataPoints         int                `json:"data_points"`
}

// StationarityTest is an Augmented Dickey-Fuller result (constant-only regression).
type StationarityTest struct {
	Instrument     string             `json:"instrument,omitempty"`
	Instrument1    string             `json:"instrument1,omitempty"`
	Instrument2    string             `json:"instrument2,omitempty"`
	HedgeRatio     float64            `json:"hedge_ratio,omitempty"`
	Timeframe      string             `json:"timeframe"`
	ADFStatistic   float64            `json:"adf_statistic"`
	PValue         float64            `json:"p_value"`
	UsedLag        int                `json:"used_lag"`
	NObs           int                `json:"n_observations"`
	CriticalValues map[string]float64 `json:"critical_values"`
	IsStationary   bool               `json:"is_stationary"`
	Interpretation string             `json:"interpretation"`
}
