package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pairs-analytics/config"
	"pairs-analytics/internal/alert"
	"pairs-analytics/internal/analytics"
	"pairs-analytics/internal/api"
	"pairs-analytics/internal/ingest"
	"pairs-analytics/internal/logger"
	"pairs-analytics/internal/marketdata/binance"
	"pairs-analytics/internal/metrics"
	"pairs-analytics/internal/model"
	"pairs-analytics/internal/notification"
	"pairs-analytics/internal/resample"
	redisstore "pairs-analytics/internal/store/redis"
	sqlitestore "pairs-analytics/internal/store/sqlite"
)

const (
	livenessInterval = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slogger := logger.Init("analyticsd", level)
	tfs, err := cfg.Timeframes()
	if err != nil {
		return err
	}
	tfLabels := make([]string, len(tfs))
	for i, tf := range tfs {
		tfLabels[i] = tf.String()
	}
	log.Printf("[analyticsd] starting: symbols=%v timeframes=%v", cfg.Symbols, tfLabels)

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	health.SetTimeframes(tfLabels)
	health.SetRedisEnabled(cfg.Redis.Enabled)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()

	// ---- Storage ----
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("sqlite init: %w", err)
	}
	defer store.Close()
	store.OnCommit = func(rows int, took time.Duration) {
		prom.SQLiteCommitDur.Observe(took.Seconds())
	}
	health.SetSQLiteOK(true)
	log.Printf("[analyticsd] sqlite ready at %s", cfg.SQLitePath)

	// ---- Optional Redis cache ----
	var (
		tickCache model.TickCache
		memo      model.KVCache
		rdb       *goredis.Client
	)
	if cfg.Redis.Enabled {
		cache, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			MaxTicks: cfg.CacheMaxTicks,
			TickTTL:  cfg.CacheTickTTL,
		})
		if err != nil {
			log.Printf("[analyticsd] WARNING: redis init failed: %v (continuing on sqlite only)", err)
			health.SetRedisConnected(false)
		} else {
			defer cache.Close()
			cache.Breaker().OnStateChange = func(from, to redisstore.State) {
				log.Printf("[redis] circuit breaker %s -> %s", from, to)
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			tickCache, memo, rdb = cache, cache, cache.Client()
			health.SetRedisConnected(true)
		}
	}
	health.StartLivenessChecker(ctx, rdb, store.DB(), livenessInterval)

	// ---- Feed + ingestion ----
	feed := binance.New(binance.Config{BaseURL: cfg.BinanceWSBaseURL}, cfg.Symbols)
	feed.OnReconnect = func(inst string) { prom.WSReconnects.WithLabelValues(inst).Inc() }
	feed.OnMalformed = func(inst string, err error) { prom.MalformedTotal.Inc() }
	feed.OnConnState = connTracker(prom, health)

	ingestMgr := ingest.New(ingest.Config{
		FlushInterval: cfg.FlushInterval,
		ChannelSize:   cfg.TickChannelSize,
	}, feed, store, tickCache)
	ingestMgr.OnTick = func(t model.Tick) {
		prom.TicksTotal.WithLabelValues(t.Instrument).Inc()
		health.SetLastTickTime(t.Timestamp)
	}
	ingestMgr.OnFlush = func(rows int, took time.Duration, err error) {
		if err != nil {
			prom.FlushErrors.Inc()
		}
		prom.BufferedTicks.Set(float64(ingestMgr.Buffered()))
	}
	ingestMgr.OnDropped = func(n int) { prom.DroppedTicks.Add(float64(n)) }

	resampler := resample.New(resample.Config{}, tfs, tickCache, store, store)
	resampler.OnCandle = func(c model.Candle) { prom.CandlesTotal.WithLabelValues(c.Timeframe).Inc() }
	resampler.OnError = func(inst, tf string, err error) { prom.ResampleErrors.WithLabelValues(tf).Inc() }
	ingestMgr.Follow(resampler)

	// ---- Analytics + alerts ----
	engine := analytics.New(store, memo)
	engine.MaxLag = cfg.ADFMaxLag

	alerts := alert.New(alert.Config{
		Interval:  cfg.AlertInterval,
		Timeframe: cfg.AlertTimeframe,
		Window:    cfg.RollingWindow,
	}, store, store, tickCache, engine, countingNotifier{buildNotifier(cfg), prom.NotifyErrorsTotal})
	alerts.OnTrigger = func(ev model.TriggerEvent) {
		prom.AlertTriggers.WithLabelValues(string(ev.Metric)).Inc()
	}
	alerts.OnCycle = func(evaluated, failed int, took time.Duration) {
		prom.AlertCycleDur.Observe(took.Seconds())
		prom.AlertEvalErrors.Add(float64(failed))
	}

	// ---- API ----
	apiSrv := api.New(api.Deps{
		Store:      store,
		Cache:      tickCache,
		Analytics:  engine,
		Ingest:     ingestMgr,
		Triggers:   alerts,
		Health:     health,
		Timeframes: tfLabels,
		Window:     cfg.RollingWindow,
		Logger:     slogger,
	})
	apiSrv.OnRequest = func(route string, code int, took time.Duration) {
		prom.HTTPRequestDur.WithLabelValues(route, strconv.Itoa(code)).Observe(took.Seconds())
	}
	apiSrv.Hub().OnClients = func(n int) { prom.WSClients.Set(float64(n)) }
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ---- Start ----
	err = startStages(ctx, []stage{
		{
			name:  "resampler",
			start: func(ctx context.Context) error { return resampler.Start(ctx, cfg.Symbols) },
			stop:  resampler.Stop,
		},
		{
			name:  "ingest",
			start: ingestMgr.Start,
			stop: func() {
				if err := ingestMgr.Stop(); err != nil {
					log.Printf("[analyticsd] final flush: %v", err)
				}
			},
		},
		{name: "alert engine", start: alerts.Start, stop: alerts.Stop},
	})
	if err != nil {
		return err
	}
	go apiSrv.Hub().Run(ctx, cfg.WSUpdateInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[analyticsd] api listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("[analyticsd] shutdown signal received")
	case runErr = <-errCh:
		log.Printf("[analyticsd] api server failed: %v", runErr)
	}

	// ---- Shutdown: stop producers before the stores close ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	alerts.Stop()
	if err := ingestMgr.Stop(); err != nil {
		log.Printf("[analyticsd] final flush: %v", err)
	}
	resampler.Stop()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[analyticsd] stopped")
	return runErr
}

// connTracker keeps the per-instrument feed gauge and the health flag in
// sync with stream connection state.
func connTracker(prom *metrics.Metrics, health *metrics.HealthStatus) func(string, bool) {
	var mu sync.Mutex
	up := make(map[string]bool)
	return func(inst string, connected bool) {
		mu.Lock()
		defer mu.Unlock()
		if connected {
			up[inst] = true
			prom.FeedConnected.WithLabelValues(inst).Set(1)
		} else {
			delete(up, inst)
			prom.FeedConnected.WithLabelValues(inst).Set(0)
		}
		health.SetFeedConnected(len(up) > 0)
	}
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	backends := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[analyticsd] webhook notifications enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[analyticsd] telegram notifications enabled")
	}
	return backends
}

// stage is one long-running component of the pipeline.
type stage struct {
	name  string
	start func(ctx context.Context) error
	stop  func()
}

// startStages starts stages in order. If one fails, the stages already
// running are stopped in reverse order before the error is returned.
func startStages(ctx context.Context, stages []stage) error {
	for i, s := range stages {
		if err := s.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				stages[j].stop()
			}
			return fmt.Errorf("%s start: %w", s.name, err)
		}
	}
	return nil
}

// countingNotifier counts delivery failures.
type countingNotifier struct {
	next     notification.Notifier
	failures prometheus.Counter
}

func (n countingNotifier) Send(ctx context.Context, ev model.TriggerEvent) error {
	err := n.next.Send(ctx, ev)
	if err != nil {
		n.failures.Inc()
	}
	return err
}
