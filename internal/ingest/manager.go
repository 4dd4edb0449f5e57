// Package ingest turns the raw tick stream into durable storage. Ticks are
// buffered per instrument, published to the tick cache as they arrive and
// flushed to storage in one bulk insert per interval, so a slow database
// never stalls the feed.
package ingest

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"pairs-analytics/internal/model"
)

const (
	defaultFlushInterval = time.Second
	defaultChannelSize   = 10000
	defaultMaxBuffered   = 200000
	finalFlushTimeout    = 10 * time.Second
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("ingestion manager stopped")

// Source is the upstream tick producer (the exchange stream client).
type Source interface {
	Start(ctx context.Context, out chan<- model.Tick) error
	Stop()
	AddInstrument(instrument string) error
	RemoveInstrument(instrument string)
	Instruments() []string
	Connected() []string
}

// InstrumentTracker is notified when the instrument set changes.
type InstrumentTracker interface {
	AddInstrument(instrument string) error
	RemoveInstrument(instrument string)
}

// Config configures the manager.
type Config struct {
	FlushInterval time.Duration // defaults to 1s
	ChannelSize   int           // tick channel capacity, defaults to 10000
	MaxBuffered   int           // oldest ticks are dropped beyond this while storage is failing
}

func (c *Config) defaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = defaultChannelSize
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = defaultMaxBuffered
	}
}

// Status is a read-only snapshot of the manager.
type Status struct {
	Running       bool     `json:"running"`
	Instruments   []string `json:"instruments"`
	Connected     []string `json:"connected"`
	BufferedTicks int      `json:"buffered_ticks"`
}

// Manager owns the Source, the per-instrument buffer and the flush loop.
type Manager struct {
	cfg      Config
	src      Source
	store    model.TickWriter
	cache    model.TickCache // nil when running storage-only
	trackers []InstrumentTracker

	tickCh chan model.Tick

	mu       sync.Mutex
	buffer   map[string][]model.Tick
	buffered int

	lifeMu       sync.Mutex
	running      bool
	stopped      bool
	cancelFlush  context.CancelFunc
	consumerDone chan struct{}
	flushDone    chan struct{}

	// Optional hooks.
	OnTick    func(t model.Tick)
	OnFlush   func(rows int, took time.Duration, err error)
	OnDropped func(n int)
}

// New creates a manager. cache may be nil.
func New(cfg Config, src Source, store model.TickWriter, cache model.TickCache) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		src:    src,
		store:  store,
		cache:  cache,
		tickCh: make(chan model.Tick, cfg.ChannelSize),
		buffer: make(map[string][]model.Tick),
	}
}

// Follow registers a tracker (e.g. the resampling engine) for instrument changes.
// Call before Start.
func (m *Manager) Follow(t InstrumentTracker) {
	m.trackers = append(m.trackers, t)
}

// Start launches the source, the consumer and the flush loop. It does not block.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}

	m.consumerDone = make(chan struct{})
	go m.consume(ctx)

	if err := m.src.Start(ctx, m.tickCh); err != nil {
		close(m.tickCh)
		<-m.consumerDone
		m.stopped = true
		return err
	}

	flushCtx, cancel := context.WithCancel(ctx)
	m.cancelFlush = cancel
	m.flushDone = make(chan struct{})
	go m.flushLoop(flushCtx)

	m.running = true
	log.Printf("[ingest] started (flush every %s)", m.cfg.FlushInterval)
	return nil
}

// consume drains the tick channel until it is closed by Stop.
func (m *Manager) consume(ctx context.Context) {
	defer close(m.consumerDone)
	for t := range m.tickCh {
		m.handleTick(ctx, t)
	}
}

func (m *Manager) handleTick(ctx context.Context, t model.Tick) {
	m.mu.Lock()
	m.buffer[t.Instrument] = append(m.buffer[t.Instrument], t)
	m.buffered++
	m.mu.Unlock()

	if m.cache != nil {
		// ctx may already be cancelled during shutdown; the push is best-effort.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := m.cache.PushTick(pctx, t); err != nil {
			log.Printf("[ingest] cache push failed for %s: %v", t.Instrument, err)
		}
		cancel()
	}
	if m.OnTick != nil {
		m.OnTick(t)
	}
}

func (m *Manager) flushLoop(ctx context.Context) {
	defer close(m.flushDone)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}

// Flush writes everything buffered in one bulk insert. On failure the ticks
// are put back in front of anything that arrived meanwhile and retried on
// the next call.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.buffered == 0 {
		m.mu.Unlock()
		return nil
	}
	pending := m.buffer
	n := m.buffered
	m.buffer = make(map[string][]model.Tick, len(pending))
	m.buffered = 0
	m.mu.Unlock()

	instruments := make([]string, 0, len(pending))
	for inst := range pending {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	batch := make([]model.Tick, 0, n)
	for _, inst := range instruments {
		batch = append(batch, pending[inst]...)
	}

	start := time.Now()
	err := m.store.InsertTicks(ctx, batch)
	took := time.Since(start)
	if m.OnFlush != nil {
		m.OnFlush(len(batch), took, err)
	}
	if err != nil {
		log.Printf("[ingest] flush of %d ticks failed, will retry: %v", n, err)
		m.requeue(pending, n)
		return err
	}
	return nil
}

func (m *Manager) requeue(pending map[string][]model.Tick, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for inst, ticks := range pending {
		m.buffer[inst] = append(ticks, m.buffer[inst]...)
	}
	m.buffered += n

	// Drop oldest ticks per instrument while over the bound.
	dropped := 0
	for m.buffered > m.cfg.MaxBuffered {
		var largest string
		for inst, ticks := range m.buffer {
			if largest == "" || len(ticks) > len(m.buffer[largest]) {
				largest = inst
			}
		}
		excess := m.buffered - m.cfg.MaxBuffered
		if excess > len(m.buffer[largest]) {
			excess = len(m.buffer[largest])
		}
		m.buffer[largest] = m.buffer[largest][excess:]
		m.buffered -= excess
		dropped += excess
	}
	if dropped > 0 {
		log.Printf("[ingest] buffer over %d ticks, dropped %d oldest", m.cfg.MaxBuffered, dropped)
		if m.OnDropped != nil {
			m.OnDropped(dropped)
		}
	}
}

// Stop stops the source, drains in-flight ticks, cancels the flush loop and
// performs one final synchronous flush. Calling Stop again is a no-op.
func (m *Manager) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	if !m.running {
		return nil
	}
	m.running = false

	m.src.Stop()
	close(m.tickCh)
	<-m.consumerDone

	m.cancelFlush()
	<-m.flushDone

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	err := m.Flush(ctx)
	if err != nil {
		log.Printf("[ingest] final flush failed, %d ticks lost: %v", m.Buffered(), err)
	}
	log.Println("[ingest] stopped")
	return err
}

// AddInstrument starts tracking instrument in the source and every follower.
func (m *Manager) AddInstrument(instrument string) error {
	if err := m.src.AddInstrument(instrument); err != nil {
		return err
	}
	for _, t := range m.trackers {
		if err := t.AddInstrument(instrument); err != nil {
			return err
		}
	}
	return nil
}

// RemoveInstrument stops tracking instrument. Ticks already buffered are still flushed.
func (m *Manager) RemoveInstrument(instrument string) {
	m.src.RemoveInstrument(instrument)
	for _, t := range m.trackers {
		t.RemoveInstrument(instrument)
	}
}

// Buffered returns the number of ticks waiting for the next flush.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffered
}

// Status returns a snapshot with no side effects.
func (m *Manager) Status() Status {
	m.lifeMu.Lock()
	running := m.running
	m.lifeMu.Unlock()

	return Status{
		Running:       running,
		Instruments:   m.src.Instruments(),
		Connected:     m.src.Connected(),
		BufferedTicks: m.Buffered(),
	}
}
