// Package api exposes the pipeline over HTTP under /api/v1 and pushes live
// prices to dashboard clients over a WebSocket at /ws.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pairs-analytics/internal/analytics"
	"pairs-analytics/internal/ingest"
	"pairs-analytics/internal/metrics"
	"pairs-analytics/internal/model"
)

// Store is the storage surface the API reads and writes.
type Store interface {
	model.TickReader
	model.CandleReader
	model.AlertStore
	TickCount(ctx context.Context, instrument string) (int64, error)
}

// Analytics is the on-demand analytics surface.
type Analytics interface {
	BasicStats(ctx context.Context, instrument, timeframe string, window int) (analytics.Result[analytics.BasicStats], error)
	Volatility(ctx context.Context, instrument, timeframe string, window int) (analytics.Result[analytics.Volatility], error)
	HedgeRatio(ctx context.Context, a, b, timeframe string, lookback int, method string) (analytics.Result[analytics.HedgeRatio], error)
	SpreadZScore(ctx context.Context, a, b, timeframe string, lookback, window int) (analytics.Result[analytics.SpreadZScore], error)
	SpreadZScoreTicks(ctx context.Context, a, b string, ticks, window int) (analytics.Result[analytics.SpreadZScore], error)
	RollingCorrelation(ctx context.Context, a, b, timeframe string, window int) (analytics.Result[analytics.RollingCorrelation], error)
	StationarityTest(ctx context.Context, instrument, timeframe string, maxLag int) (analytics.Result[analytics.StationarityTest], error)
	SpreadStationarityTest(ctx context.Context, a, b, timeframe string, lookback int) (analytics.Result[analytics.StationarityTest], error)
}

// Ingest controls the tracked instrument set.
type Ingest interface {
	AddInstrument(instrument string) error
	RemoveInstrument(instrument string)
	Status() ingest.Status
}

// Triggers exposes recent alert triggers.
type Triggers interface {
	RecentTriggers(limit int) []model.TriggerEvent
}

// Deps wires the server. Cache and Health may be nil.
type Deps struct {
	Store      Store
	Cache      model.TickCache
	Analytics  Analytics
	Ingest     Ingest
	Triggers   Triggers
	Health     *metrics.HealthStatus
	Timeframes []string
	Window     int // default rolling window
	Logger     *slog.Logger
}

// Server holds the HTTP handlers and the push hub.
type Server struct {
	deps    Deps
	hub     *Hub
	router  *mux.Router
	started time.Time

	// OnRequest observes every request; route is the mux path template.
	OnRequest func(route string, code int, took time.Duration)
}

// New builds the router.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Window <= 0 {
		deps.Window = analytics.DefaultWindow
	}
	s := &Server{deps: deps, started: time.Now()}
	s.hub = NewHub(s.latestTicks)
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the push hub; the caller runs it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.requestID, s.accessLog, cors)

	r.HandleFunc("/ws", s.hub.ServeWS)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	v1.HandleFunc("/instruments", s.handleListInstruments).Methods(http.MethodGet)
	v1.HandleFunc("/instruments", s.handleAddInstrument).Methods(http.MethodPost)
	v1.HandleFunc("/instruments/{instrument}", s.handleRemoveInstrument).Methods(http.MethodDelete)

	v1.HandleFunc("/ticks/{instrument}", s.handleTicks).Methods(http.MethodGet)
	v1.HandleFunc("/candles/{instrument}", s.handleCandles).Methods(http.MethodGet)

	an := v1.PathPrefix("/analytics").Subrouter()
	an.HandleFunc("/basic/{instrument}", s.handleBasicStats).Methods(http.MethodGet)
	an.HandleFunc("/volatility/{instrument}", s.handleVolatility).Methods(http.MethodGet)
	an.HandleFunc("/adf/{instrument}", s.handleADF).Methods(http.MethodGet)
	an.HandleFunc("/hedge-ratio", s.handleHedgeRatio).Methods(http.MethodGet)
	an.HandleFunc("/spread", s.handleSpread).Methods(http.MethodGet)
	an.HandleFunc("/spread-ticks", s.handleSpreadTicks).Methods(http.MethodGet)
	an.HandleFunc("/correlation", s.handleCorrelation).Methods(http.MethodGet)
	an.HandleFunc("/spread-adf", s.handleSpreadADF).Methods(http.MethodGet)

	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleCreateAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/triggers", s.handleTriggers).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id:[0-9]+}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id:[0-9]+}", s.handleDeleteAlert).Methods(http.MethodDelete)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// latestTicks returns the newest tick per tracked instrument, cache first.
func (s *Server) latestTicks(ctx context.Context) map[string]model.Tick {
	out := make(map[string]model.Tick)
	for _, inst := range s.deps.Ingest.Status().Instruments {
		t, ok, err := model.LatestTick(ctx, s.deps.Cache, s.deps.Store, inst)
		if err != nil {
			s.deps.Logger.Warn("latest tick", "instrument", inst, "err", err)
			continue
		}
		if ok {
			out[inst] = t
		}
	}
	return out
}
