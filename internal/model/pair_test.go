package model

import "testing"

func TestSplitPair(t *testing.T) {
	cases := []struct {
		key  string
		a, b string
		ok   bool
	}{
		{"btcusdt/ethusdt", "btcusdt", "ethusdt", true},
		{"BTCUSDT/ETHUSDT", "btcusdt", "ethusdt", true},
		{"btcusdt_ethusdt", "btcusdt", "ethusdt", true},
		{"btc_usdt/eth_usdt", "btc_usdt", "eth_usdt", true},
		{"a_b_c", "", "", false},
		{"btcusdt", "", "", false},
		{"btcusdt/", "", "", false},
		{"a/b/c", "", "", false},
		{"btcusdt/btcusdt", "", "", false},
	}
	for _, c := range cases {
		a, b, err := SplitPair(c.key)
		if c.ok != (err == nil) {
			t.Errorf("SplitPair(%q) err=%v, want ok=%v", c.key, err, c.ok)
			continue
		}
		if c.ok && (a != c.a || b != c.b) {
			t.Errorf("SplitPair(%q) = %q,%q want %q,%q", c.key, a, b, c.a, c.b)
		}
	}
	if PairKey("BTCUSDT", "ethusdt") != "btcusdt/ethusdt" {
		t.Error("PairKey should lower-case and join with /")
	}
}
