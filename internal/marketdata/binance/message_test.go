package binance

import (
	"testing"
	"time"
)

func TestParseTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000200,"T":1700000000123,"s":"BTCUSDT","t":991,"p":"43000.10","q":"0.002"}`)
	tick, ok, err := ParseTrade(raw)
	if err != nil || !ok {
		t.Fatalf("expected trade, got ok=%v err=%v", ok, err)
	}
	if tick.Instrument != "btcusdt" {
		t.Errorf("instrument not lower-cased: %q", tick.Instrument)
	}
	if tick.Price != 43000.10 || tick.Size != 0.002 {
		t.Errorf("unexpected price/size: %v %v", tick.Price, tick.Size)
	}
	if !tick.Timestamp.Equal(time.UnixMilli(1700000000123)) || tick.Timestamp.Location() != time.UTC {
		t.Errorf("unexpected timestamp: %v", tick.Timestamp)
	}
	if tick.TradeID != 991 {
		t.Errorf("unexpected trade id: %d", tick.TradeID)
	}
}

func TestParseTrade_CombinedStream(t *testing.T) {
	raw := []byte(`{"stream":"ethusdt@trade","data":{"e":"trade","T":1700000000000,"s":"ETHUSDT","p":"2000","q":"1"}}`)
	tick, ok, err := ParseTrade(raw)
	if err != nil || !ok || tick.Instrument != "ethusdt" {
		t.Fatalf("unexpected: %+v ok=%v err=%v", tick, ok, err)
	}
}

func TestParseTrade_SkipsAndRejects(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"non-trade event", `{"e":"aggTrade","T":1,"s":"BTCUSDT","p":"1","q":"1"}`, false},
		{"subscription ack", `{"result":null,"id":1}`, false},
		{"not json", `{{{`, true},
		{"bad price", `{"e":"trade","T":1,"s":"BTCUSDT","p":"abc","q":"1"}`, true},
		{"zero price", `{"e":"trade","T":1,"s":"BTCUSDT","p":"0","q":"1"}`, true},
		{"negative qty", `{"e":"trade","T":1,"s":"BTCUSDT","p":"1","q":"-1"}`, true},
		{"missing symbol", `{"e":"trade","T":1,"p":"1","q":"1"}`, true},
	}
	for _, c := range cases {
		_, ok, err := ParseTrade([]byte(c.raw))
		if ok {
			t.Errorf("%s: expected no tick", c.name)
		}
		if (err != nil) != c.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}
