// Package redis implements the low-latency tick cache and the analytics memo
// cache on Redis. Every call goes through a circuit breaker; while it is open
// pushes are skipped and reads come back empty so callers fall back to SQLite.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"pairs-analytics/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultMaxTicks = 1000
	defaultTickTTL  = time.Hour
	tickKeyPrefix   = "ticks:"
)

// Config configures the Redis cache.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	MaxTicks int           // per-instrument list bound
	TickTTL  time.Duration // list expiry, refreshed on every push
}

func (c *Config) defaults() {
	if c.MaxTicks <= 0 {
		c.MaxTicks = defaultMaxTicks
	}
	if c.TickTTL <= 0 {
		c.TickTTL = defaultTickTTL
	}
}

// Cache is a Redis-backed model.TickCache and model.KVCache.
type Cache struct {
	client *goredis.Client
	cfg    Config
	cb     *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// Breaker exposes the circuit breaker so callers can hook state changes.
func (c *Cache) Breaker() *CircuitBreaker { return c.cb }

// New connects to Redis and pings the server.
func New(cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config) *Cache {
	cfg.defaults()
	return &Cache{
		client: client,
		cfg:    cfg,
		cb:     NewCircuitBreaker(5, 10*time.Second),
	}
}

func tickKey(instrument string) string { return tickKeyPrefix + instrument }

// PushTick prepends the tick to the instrument's list, trims it to MaxTicks
// and refreshes the TTL in one pipeline.
func (c *Cache) PushTick(ctx context.Context, t model.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis marshal tick: %w", err)
	}
	key := tickKey(t.Instrument)

	err = c.cb.Do(func() error {
		pipe := c.client.Pipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(c.cfg.MaxTicks-1))
		pipe.Expire(ctx, key, c.cfg.TickTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// RecentTicks returns up to count ticks, most recent first.
func (c *Cache) RecentTicks(ctx context.Context, instrument string, count int) ([]model.Tick, error) {
	if count <= 0 {
		return nil, nil
	}
	var raw []string
	err := c.cb.Do(func() error {
		var err error
		raw, err = c.client.LRange(ctx, tickKey(instrument), 0, int64(count-1)).Result()
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	ticks := make([]model.Tick, 0, len(raw))
	for _, s := range raw {
		var t model.Tick
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			log.Printf("[redis] skipping corrupt tick in %s: %v", tickKey(instrument), err)
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// Set stores value under key with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.cb.Do(func() error {
		return c.client.Set(ctx, key, value, ttl).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// Get returns the value for key; ok is false on a miss or while the breaker is open.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := c.cb.Do(func() error {
		var err error
		val, err = c.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, val != nil, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
