// Command tickserver is a demo trade feed. It serves Binance-shaped trade
// events on /ws/<symbol>@trade so the pipeline runs without network access:
//
//	BINANCE_WS_BASE_URL=ws://localhost:9001/ws analyticsd serve
//
// Prices follow a correlated random walk: every symbol shares a market
// factor plus its own noise, so pair analytics have something to find.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated symbols served from startup (default "btcusdt,ethusdt")
//	TICK_INTERVAL_MS  trade interval per symbol in milliseconds (default 100)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// tradeMsg is the vendor trade event shape.
type tradeMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
}

var defaultPrices = map[string]float64{
	"btcusdt": 67000,
	"ethusdt": 3500,
	"solusdt": 150,
	"bnbusdt": 600,
}

const fallbackPrice = 100.0

// ─── Market simulation ───────────────────────────────────────────────────────

type symbolState struct {
	price   float64
	beta    float64 // exposure to the market factor
	tradeID int64
	clients map[*websocket.Conn]chan []byte
}

type market struct {
	mu      sync.Mutex
	rng     *rand.Rand
	symbols map[string]*symbolState
}

func newMarket(seed int64, symbols []string) *market {
	m := &market{
		rng:     rand.New(rand.NewSource(seed)),
		symbols: make(map[string]*symbolState),
	}
	for _, s := range symbols {
		m.ensure(s)
	}
	return m
}

// ensure returns the state for sym, creating it on first use. Caller holds mu
// or is the constructor.
func (m *market) ensure(sym string) *symbolState {
	if st, ok := m.symbols[sym]; ok {
		return st
	}
	price, ok := defaultPrices[sym]
	if !ok {
		price = fallbackPrice
	}
	st := &symbolState{
		price:   price,
		beta:    0.8 + 0.4*m.rng.Float64(),
		clients: make(map[*websocket.Conn]chan []byte),
	}
	m.symbols[sym] = st
	return st
}

func (m *market) subscribe(sym string, conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	m.ensure(sym).clients[conn] = ch
	m.mu.Unlock()
	return ch
}

func (m *market) unsubscribe(sym string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[sym]
	if !ok {
		return
	}
	if ch, ok := st.clients[conn]; ok {
		close(ch)
		delete(st.clients, conn)
	}
}

// step advances every symbol by one trade and fans the events out.
func (m *market) step(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// ±0.05% market move, ±0.02% idiosyncratic
	factor := m.rng.NormFloat64() * 0.0005
	for sym, st := range m.symbols {
		ret := st.beta*factor + m.rng.NormFloat64()*0.0002
		st.price = math.Max(st.price*(1+ret), 0.01)
		st.tradeID++
		if len(st.clients) == 0 {
			continue
		}
		b, err := json.Marshal(m.trade(sym, st, now))
		if err != nil {
			continue
		}
		for _, ch := range st.clients {
			select {
			case ch <- b:
			default: // slow client, drop trade
			}
		}
	}
}

func (m *market) trade(sym string, st *symbolState, now time.Time) tradeMsg {
	qty := 0.001 + m.rng.Float64()*0.5
	return tradeMsg{
		Event:     "trade",
		EventTime: now.UnixMilli(),
		TradeTime: now.UnixMilli(),
		Symbol:    strings.ToUpper(sym),
		TradeID:   st.tradeID,
		Price:     strconv.FormatFloat(st.price, 'f', 4, 64),
		Qty:       strconv.FormatFloat(qty, 'f', 5, 64),
	}
}

func (m *market) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.step(now.UTC())
		}
	}
}

// ─── WebSocket handler ───────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamSymbol extracts "btcusdt" from "btcusdt@trade".
func streamSymbol(stream string) (string, bool) {
	sym, kind, ok := strings.Cut(strings.ToLower(stream), "@")
	if !ok || kind != "trade" || sym == "" {
		return "", false
	}
	return sym, true
}

func wsHandler(m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sym, ok := streamSymbol(mux.Vars(r)["stream"])
		if !ok {
			http.Error(w, "unknown stream", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] %s subscribed from %s", sym, r.RemoteAddr)

		ch := m.subscribe(sym, conn)
		go func() {
			// drain reads so close frames and pings are handled
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					m.unsubscribe(sym, conn)
					return
				}
			}
		}()
		defer func() {
			m.unsubscribe(sym, conn)
			conn.Close()
			log.Printf("[tickserver] %s unsubscribed from %s", sym, r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func newRouter(m *market) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{stream}", wsHandler(m))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	return r
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo trade feed...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbols := parseSymbols(envOrDefault("TICK_SYMBOLS", "btcusdt,ethusdt"))
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)
	log.Printf("[tickserver] symbols: %v, interval: %dms", symbols, intervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := newMarket(time.Now().UnixNano(), symbols)
	go m.run(ctx, time.Duration(intervalMs)*time.Millisecond)

	srv := &http.Server{Addr: addr, Handler: newRouter(m), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[tickserver] listening on %s (ws://localhost%s/ws/<symbol>@trade)", addr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func parseSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
