// Package binance maintains one trade-stream WebSocket per instrument
// (<base>/<instrument>@trade), normalizes trade events into model.Tick and
// pushes them into the caller's channel. Each stream reconnects on its own
// with exponential backoff until it is removed or the client is stopped.
package binance

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pairs-analytics/internal/model"

	"github.com/gorilla/websocket"
)

// ErrStopped is returned by Start and AddInstrument after Stop.
var ErrStopped = errors.New("stream client stopped")

// Config holds configuration for the stream client.
type Config struct {
	// BaseURL of the feed, e.g. "wss://fstream.binance.com/ws".
	BaseURL string

	// InitialBackoff is the first reconnect delay. Defaults to 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Defaults to 60 seconds.
	MaxBackoff time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (c *Config) defaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

type stream struct {
	instrument string
	cancel     context.CancelFunc
	done       chan struct{}
	connected  atomic.Bool
}

// Client owns the per-instrument streams.
type Client struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*stream
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan<- model.Tick
	stopped bool
	wg      sync.WaitGroup

	// Optional hooks.
	OnReconnect func(instrument string)            // called before each backoff wait
	OnMalformed func(instrument string, err error) // called for every dropped message
	OnConnState func(instrument string, up bool)   // called on connect and disconnect
	sleep       func(ctx context.Context, d time.Duration) bool
}

// New creates a client tracking the given instruments. Nothing connects until Start.
func New(cfg Config, instruments []string) *Client {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		streams: make(map[string]*stream),
		sleep:   sleepCtx,
	}
	for _, inst := range instruments {
		inst = normalize(inst)
		if inst != "" {
			c.streams[inst] = &stream{instrument: inst}
		}
	}
	return c
}

func normalize(instrument string) string {
	return strings.ToLower(strings.TrimSpace(instrument))
}

// Start launches one connection task per tracked instrument. Ticks are sent
// to out in the order they are read from each connection. Start does not block.
func (c *Client) Start(ctx context.Context, out chan<- model.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.ctx != nil {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.out = out
	for _, s := range c.streams {
		c.launch(s)
	}
	log.Printf("[stream] started %d streams against %s", len(c.streams), c.cfg.BaseURL)
	return nil
}

// launch must be called with c.mu held and c.ctx set.
func (c *Client) launch(s *stream) {
	sctx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(s.done)
		c.run(sctx, s)
	}()
}

// AddInstrument starts tracking instrument. It is a no-op if already tracked.
// Safe to call before or after Start.
func (c *Client) AddInstrument(instrument string) error {
	inst := normalize(instrument)
	if inst == "" {
		return errors.New("empty instrument")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if _, ok := c.streams[inst]; ok {
		return nil
	}
	s := &stream{instrument: inst}
	c.streams[inst] = s
	if c.ctx != nil {
		c.launch(s)
	}
	log.Printf("[stream] added %s", inst)
	return nil
}

// RemoveInstrument stops tracking instrument and waits for its task to exit,
// so no tick for it is sent after it returns.
func (c *Client) RemoveInstrument(instrument string) {
	inst := normalize(instrument)

	c.mu.Lock()
	s, ok := c.streams[inst]
	if ok {
		delete(c.streams, inst)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	log.Printf("[stream] removed %s", inst)
}

// Instruments returns the tracked instruments, sorted.
func (c *Client) Instruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.streams))
	for inst := range c.streams {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Connected returns the instruments whose connection is currently streaming, sorted.
func (c *Client) Connected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for inst, s := range c.streams {
		if s.connected.Load() {
			out = append(out, inst)
		}
	}
	sort.Strings(out)
	return out
}

// Stop terminates every connection and waits for all tasks to exit.
// No tick is sent after Stop returns. Calling Stop again is a no-op.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	log.Println("[stream] stopped")
}

func (c *Client) streamURL(instrument string) string {
	return c.cfg.BaseURL + "/" + instrument + "@trade"
}

// run is the per-instrument state machine:
// Connecting -> Streaming -> (error) -> Backoff -> Connecting, until ctx ends.
func (c *Client) run(ctx context.Context, s *stream) {
	backoff := &Backoff{Initial: c.cfg.InitialBackoff, Max: c.cfg.MaxBackoff}

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runOnce(ctx, s, backoff)
		if err == nil {
			// Context cancelled cleanly
			return
		}

		delay := backoff.Next()
		log.Printf("[stream] %s disconnected (%v), reconnecting in %s", s.instrument, err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect(s.instrument)
		}
		if !c.sleep(ctx, delay) {
			return
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (c *Client) runOnce(ctx context.Context, s *stream, backoff *Backoff) error {
	url := c.streamURL(s.instrument)
	conn, _, err := c.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	s.connected.Store(true)
	c.connState(s.instrument, true)
	defer func() {
		s.connected.Store(false)
		c.connState(s.instrument, false)
	}()
	log.Printf("[stream] connected to %s", url)

	// Async context watcher: closes the connection when ctx is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		backoff.Reset()

		tick, ok, err := ParseTrade(raw)
		if err != nil {
			log.Printf("[stream] %s: dropping message: %v", s.instrument, err)
			if c.OnMalformed != nil {
				c.OnMalformed(s.instrument, err)
			}
			continue
		}
		if !ok {
			continue
		}

		select {
		case c.out <- tick:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) connState(instrument string, up bool) {
	if c.OnConnState != nil {
		c.OnConnState(instrument, up)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
