package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics pipeline.
type Metrics struct {
	TicksTotal      *prometheus.CounterVec // labels: instrument
	MalformedTotal  prometheus.Counter
	WSReconnects    *prometheus.CounterVec // labels: instrument
	FeedConnected   *prometheus.GaugeVec   // labels: instrument
	DroppedTicks    prometheus.Counter
	BufferedTicks   prometheus.Gauge
	SQLiteCommitDur prometheus.Histogram
	FlushErrors     prometheus.Counter

	// Resampler
	CandlesTotal   *prometheus.CounterVec // labels: tf
	ResampleErrors *prometheus.CounterVec // labels: tf

	// Alerts
	AlertCycleDur     prometheus.Histogram
	AlertEvalErrors   prometheus.Counter
	AlertTriggers     *prometheus.CounterVec // labels: metric
	NotifyErrorsTotal prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// API
	HTTPRequestDur *prometheus.HistogramVec // labels: route, code
	WSClients      prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics on reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_ticks_total",
			Help: "Total trades received from the exchange feed",
		}, []string{"instrument"}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_malformed_messages_total",
			Help: "Feed messages dropped as unparseable or invalid",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}, []string{"instrument"}),
		FeedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "analytics_feed_connected",
			Help: "Whether the instrument's feed connection is up (0/1)",
		}, []string{"instrument"}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_dropped_ticks_total",
			Help: "Buffered ticks dropped after repeated flush failures",
		}),
		BufferedTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_buffered_ticks",
			Help: "Ticks waiting for the next storage flush",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analytics_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_flush_errors_total",
			Help: "Tick flushes that failed and were requeued",
		}),

		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_candles_total",
			Help: "Total candles persisted (by timeframe)",
		}, []string{"tf"}),
		ResampleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_resample_errors_total",
			Help: "Resampling cycles that failed (by timeframe)",
		}, []string{"tf"}),

		AlertCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analytics_alert_cycle_duration_seconds",
			Help:    "Time to evaluate all active alerts",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		AlertEvalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_alert_eval_errors_total",
			Help: "Alert evaluations that failed",
		}),
		AlertTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_alert_triggers_total",
			Help: "Alert triggers (by metric)",
		}, []string{"metric"}),
		NotifyErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_notify_errors_total",
			Help: "Failed trigger deliveries",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		HTTPRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.MalformedTotal,
		m.WSReconnects,
		m.FeedConnected,
		m.DroppedTicks,
		m.BufferedTicks,
		m.SQLiteCommitDur,
		m.FlushErrors,
		m.CandlesTotal,
		m.ResampleErrors,
		m.AlertCycleDur,
		m.AlertEvalErrors,
		m.AlertTriggers,
		m.NotifyErrorsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.HTTPRequestDur,
		m.WSClients,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Timeframes     []string  `json:"timeframes"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTimeframes(tfs []string) {
	h.mu.Lock()
	h.Timeframes = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the JSON body served on /healthz.
type Report struct {
	Status          string   `json:"status"`
	Uptime          string   `json:"uptime"`
	FeedConnected   bool     `json:"feed_connected"`
	LastTickTime    string   `json:"last_tick_time"`
	TickAge         string   `json:"tick_age"`
	RedisEnabled    bool     `json:"redis_enabled"`
	RedisConnected  bool     `json:"redis_connected"`
	RedisLatencyMs  float64  `json:"redis_latency_ms"`
	SQLiteOK        bool     `json:"sqlite_ok"`
	SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
	Timeframes      []string `json:"timeframes"`
	LastCheckAt     string   `json:"last_check_at"`
}

// Report snapshots the current health. Redis only counts when enabled.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	redisOK := !h.RedisEnabled || h.RedisConnected
	status := "healthy"
	if !h.FeedConnected || !redisOK || !h.SQLiteOK {
		status = "degraded"
	}
	if !h.SQLiteOK && (!redisOK || !h.RedisEnabled) {
		status = "unhealthy"
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339Nano)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	return Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    lastTick,
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Timeframes:      h.Timeframes,
		LastCheckAt:     lastCheck,
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves
// the default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
