package model

import "time"

// Candle is one OHLC bar. (Instrument, Timeframe, BucketStart) is unique in storage.
type Candle struct {
	Instrument  string    `json:"instrument"`
	Timeframe   string    `json:"timeframe"`
	BucketStart time.Time `json:"timestamp"` // floored to the timeframe boundary
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	TradeCount  int       `json:"trade_count"`
}

// Key returns "instrument:timeframe", the resampler's task key.
func (c *Candle) Key() string {
	return c.Instrument + ":" + c.Timeframe
}
