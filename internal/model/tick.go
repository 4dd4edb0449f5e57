package model

import "time"

// Tick is one trade print for a single instrument.
// Instrument identifiers are always lower-case (e.g. "btcusdt").
type Tick struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"` // UTC, millisecond precision
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	TradeID    int64     `json:"trade_id,omitempty"` // vendor trade id, 0 when unknown
}
