package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairs-analytics/internal/marketdata/binance"
)

func TestStreamSymbol(t *testing.T) {
	sym, ok := streamSymbol("BTCUSDT@trade")
	assert.True(t, ok)
	assert.Equal(t, "btcusdt", sym)

	for _, bad := range []string{"btcusdt", "btcusdt@depth", "@trade", ""} {
		_, ok := streamSymbol(bad)
		assert.False(t, ok, bad)
	}
}

func TestServesParseableTrades(t *testing.T) {
	m := newMarket(1, []string{"btcusdt"})
	srv := httptest.NewServer(newRouter(m))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/btcusdt@trade"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.symbols["btcusdt"].clients) == 1
	}, time.Second, 10*time.Millisecond)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.step(now)
	m.step(now.Add(time.Second))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range []int64{1, 2} {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		tick, ok, err := binance.ParseTrade(raw)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "btcusdt", tick.Instrument)
		assert.Equal(t, want, tick.TradeID)
		assert.Greater(t, tick.Price, 0.0)
		assert.True(t, tick.Timestamp.Equal(now.Add(time.Duration(i)*time.Second)))
	}
}

func TestUnknownSymbolIsCreatedOnSubscribe(t *testing.T) {
	m := newMarket(1, nil)
	srv := httptest.NewServer(newRouter(m))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/dogeusdt@trade", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		st, ok := m.symbols["dogeusdt"]
		return ok && st.price == fallbackPrice && len(st.clients) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRejectsNonTradeStream(t *testing.T) {
	srv := httptest.NewServer(newRouter(newMarket(1, nil)))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/btcusdt@depth", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"btcusdt", "ethusdt"}, parseSymbols(" BTCUSDT, ,ethusdt "))
}
