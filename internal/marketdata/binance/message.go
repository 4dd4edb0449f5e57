package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pairs-analytics/internal/model"
)

// tradeMsg is the vendor trade event:
//
//	{"e":"trade","E":1700000000123,"T":1700000000100,"s":"BTCUSDT","t":12345,"p":"43000.10","q":"0.002"}
type tradeMsg struct {
	Event     string `json:"e"`
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
}

// combinedMsg wraps events delivered on a combined stream endpoint.
type combinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

var errMalformed = errors.New("malformed trade message")

// ParseTrade normalizes one vendor message. ok is false for events that are
// not trades; err is set when a trade event cannot be parsed.
func ParseTrade(raw []byte) (tick model.Tick, ok bool, err error) {
	var wrapped combinedMsg
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Data) > 0 {
		raw = wrapped.Data
	}

	var m tradeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return tick, false, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if m.Event != "trade" {
		return tick, false, nil
	}
	if m.Symbol == "" || m.TradeTime <= 0 {
		return tick, false, fmt.Errorf("%w: missing symbol or trade time", errMalformed)
	}

	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil || price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return tick, false, fmt.Errorf("%w: price %q", errMalformed, m.Price)
	}
	size, err := strconv.ParseFloat(m.Qty, 64)
	if err != nil || size < 0 || math.IsInf(size, 0) || math.IsNaN(size) {
		return tick, false, fmt.Errorf("%w: quantity %q", errMalformed, m.Qty)
	}

	return model.Tick{
		Instrument: strings.ToLower(m.Symbol),
		Timestamp:  time.UnixMilli(m.TradeTime).UTC(),
		Price:      price,
		Size:       size,
		TradeID:    m.TradeID,
	}, true, nil
}
