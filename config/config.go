// Package config loads application settings from an optional .env file,
// an optional YAML file and environment-variable overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pairs-analytics/internal/model"
)

// Redis configures the optional tick cache.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config holds all application configuration.
type Config struct {
	Symbols          []string `yaml:"symbols"`
	BinanceWSBaseURL string   `yaml:"binance_ws_base_url"`

	// Infrastructure
	SQLitePath  string `yaml:"sqlite_path"`
	Redis       Redis  `yaml:"redis"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// Pipeline
	ResampleTimeframes []string      `yaml:"resample_timeframes"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	TickChannelSize    int           `yaml:"tick_channel_size"`
	CacheMaxTicks      int           `yaml:"cache_max_ticks"`
	CacheTickTTL       time.Duration `yaml:"cache_tick_ttl"`

	// Analytics and alerts
	RollingWindow    int           `yaml:"rolling_window"`
	ADFMaxLag        int           `yaml:"adf_max_lag"`
	AlertInterval    time.Duration `yaml:"alert_interval"`
	AlertTimeframe   string        `yaml:"alert_timeframe"`
	WSUpdateInterval time.Duration `yaml:"ws_update_interval"`

	// Notification
	WebhookURL       string `yaml:"webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Symbols:          []string{"btcusdt", "ethusdt"},
		BinanceWSBaseURL: "wss://fstream.binance.com/ws",

		SQLitePath:  "data/trading_data.db",
		Redis:       Redis{Addr: "localhost:6379"},
		HTTPAddr:    ":8000",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		ResampleTimeframes: []string{"1s", "1m", "5m"},
		FlushInterval:      time.Second,
		TickChannelSize:    10000,
		CacheMaxTicks:      1000,
		CacheTickTTL:       time.Hour,

		RollingWindow:    20,
		ADFMaxLag:        10,
		AlertInterval:    5 * time.Second,
		AlertTimeframe:   "1m",
		WSUpdateInterval: 500 * time.Millisecond,
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first if present; it never overrides variables already set.
// path (or CONFIG_FILE when path is empty) names an optional YAML file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Symbols = normalizeSymbols(cfg.Symbols)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	log.Printf("[config] loaded %s", path)
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	list("SYMBOLS", &c.Symbols)
	str("BINANCE_WS_BASE_URL", &c.BinanceWSBaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	flag("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	list("RESAMPLE_TIMEFRAMES", &c.ResampleTimeframes)
	dur("FLUSH_INTERVAL", &c.FlushInterval)
	num("TICK_CHANNEL_SIZE", &c.TickChannelSize)
	num("CACHE_MAX_TICKS", &c.CacheMaxTicks)
	dur("CACHE_TICK_TTL", &c.CacheTickTTL)
	num("ROLLING_WINDOW", &c.RollingWindow)
	num("ADF_MAX_LAG", &c.ADFMaxLag)
	dur("ALERT_INTERVAL", &c.AlertInterval)
	str("ALERT_TIMEFRAME", &c.AlertTimeframe)
	dur("WS_UPDATE_INTERVAL", &c.WSUpdateInterval)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)
	str("TELEGRAM_CHAT_ID", &c.TelegramChatID)

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	if _, err := c.Timeframes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := model.ParseTimeframe(c.AlertTimeframe); err != nil {
		errs = append(errs, fmt.Errorf("alert timeframe: %w", err))
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"flush_interval", int64(c.FlushInterval)},
		{"tick_channel_size", int64(c.TickChannelSize)},
		{"cache_max_ticks", int64(c.CacheMaxTicks)},
		{"cache_tick_ttl", int64(c.CacheTickTTL)},
		{"alert_interval", int64(c.AlertInterval)},
		{"ws_update_interval", int64(c.WSUpdateInterval)},
		{"adf_max_lag", int64(c.ADFMaxLag)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.RollingWindow < 2 {
		errs = append(errs, errors.New("rolling_window must be at least 2"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("telegram needs both bot token and chat id"))
	}
	return errors.Join(errs...)
}

// Timeframes parses ResampleTimeframes, failing on the first invalid entry.
func (c *Config) Timeframes() ([]model.Timeframe, error) {
	tfs, err := model.ParseTimeframes(c.ResampleTimeframes)
	if err != nil {
		return nil, fmt.Errorf("resample timeframes: %w", err)
	}
	if len(tfs) == 0 {
		return nil, errors.New("resample timeframes: none configured")
	}
	return tfs, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeSymbols lower-cases and deduplicates, keeping first-seen order.
func normalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
