package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"pairs-analytics/internal/analytics"
	"pairs-analytics/internal/model"
)

const (
	defaultTickLimit   = 100
	defaultCandleLimit = 500
	maxQueryLimit      = 10000
	defaultTriggers    = 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	rep := s.deps.Health.Report()
	code := http.StatusOK
	if rep.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Ingest.Status()
	total, err := s.deps.Store.TickCount(r.Context(), "")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ingestion":   st,
		"tick_count":  total,
		"timeframes":  s.deps.Timeframes,
		"ws_clients":  s.hub.ClientCount(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Ingest.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": st.Instruments,
		"connected":   st.Connected,
	})
}

func (s *Server) handleAddInstrument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instrument string `json:"instrument"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	inst, err := parseInstrument(req.Instrument)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Ingest.AddInstrument(inst); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"instrument": inst, "status": "added"})
}

func (s *Server) handleRemoveInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(mux.Vars(r)["instrument"])
	if err != nil {
		writeErr(w, err)
		return
	}
	s.deps.Ingest.RemoveInstrument(inst)
	writeJSON(w, http.StatusOK, map[string]string{"instrument": inst, "status": "removed"})
}

func clampLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

type rangeParams struct {
	Start     time.Time `schema:"start"`
	End       time.Time `schema:"end"`
	Limit     int       `schema:"limit"`
	Timeframe string    `schema:"timeframe"`
}

func (p rangeParams) timeRange() model.TimeRange {
	return model.TimeRange{Start: p.Start, End: p.End}
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(mux.Vars(r)["instrument"])
	if err != nil {
		writeErr(w, err)
		return
	}
	p := rangeParams{Limit: defaultTickLimit}
	if err := decodeQuery(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	ticks, err := s.deps.Store.GetTicks(r.Context(), inst, p.timeRange(), clampLimit(p.Limit, defaultTickLimit))
	if err != nil {
		writeErr(w, err)
		return
	}
	if ticks == nil {
		ticks = []model.Tick{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": inst, "count": len(ticks), "ticks": ticks})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	inst, err := parseInstrument(mux.Vars(r)["instrument"])
	if err != nil {
		writeErr(w, err)
		return
	}
	p := rangeParams{Limit: defaultCandleLimit, Timeframe: "1m"}
	if err := decodeQuery(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	tf, err := model.ParseTimeframe(p.Timeframe)
	if err != nil {
		writeErr(w, err)
		return
	}
	candles, err := s.deps.Store.GetCandles(r.Context(), inst, tf.String(), p.timeRange(), clampLimit(p.Limit, defaultCandleLimit))
	if err != nil {
		writeErr(w, err)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": inst,
		"timeframe":  tf.String(),
		"count":      len(candles),
		"candles":    candles,
	})
}

// writeResult renders an analytics result. Insufficient data is a normal
// 200 response carrying {"error", "insufficient_data": true}.
func writeResult[T any](w http.ResponseWriter, res analytics.Result[T], err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type seriesParams struct {
	Timeframe string `schema:"timeframe"`
	Window    int    `schema:"window"`
	MaxLag    int    `schema:"max_lag"`
}

// readSeries parses the instrument path variable and the single-series parameters.
func (s *Server) readSeries(r *http.Request) (string, seriesParams, error) {
	p := seriesParams{Timeframe: "1m", Window: s.deps.Window}
	inst, err := parseInstrument(mux.Vars(r)["instrument"])
	if err != nil {
		return "", p, err
	}
	return inst, p, decodeQuery(r, &p)
}

func (s *Server) handleBasicStats(w http.ResponseWriter, r *http.Request) {
	inst, p, err := s.readSeries(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.BasicStats(r.Context(), inst, p.Timeframe, p.Window)
	writeResult(w, res, err)
}

func (s *Server) handleVolatility(w http.ResponseWriter, r *http.Request) {
	inst, p, err := s.readSeries(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.Volatility(r.Context(), inst, p.Timeframe, p.Window)
	writeResult(w, res, err)
}

func (s *Server) handleADF(w http.ResponseWriter, r *http.Request) {
	inst, p, err := s.readSeries(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.StationarityTest(r.Context(), inst, p.Timeframe, p.MaxLag)
	writeResult(w, res, err)
}

// pairParams are the query parameters shared by the two-instrument endpoints.
type pairParams struct {
	Instrument1 string `schema:"instrument1"`
	Instrument2 string `schema:"instrument2"`
	Timeframe   string `schema:"timeframe"`
	Lookback    int    `schema:"lookback"`
	Window      int    `schema:"window"`
	Method      string `schema:"method"`
	Ticks       int    `schema:"ticks"`
}

func (s *Server) readPair(r *http.Request) (pairParams, error) {
	p := pairParams{
		Timeframe: "1m",
		Lookback:  analytics.DefaultLookback,
		Window:    s.deps.Window,
		Ticks:     analytics.DefaultTickCount,
	}
	if err := decodeQuery(r, &p); err != nil {
		return p, err
	}
	var err error
	if p.Instrument1, err = parseInstrument(p.Instrument1); err != nil {
		return p, fmt.Errorf("instrument1: %w", err)
	}
	if p.Instrument2, err = parseInstrument(p.Instrument2); err != nil {
		return p, fmt.Errorf("instrument2: %w", err)
	}
	if p.Instrument1 == p.Instrument2 {
		return p, fmt.Errorf("%w: instrument1 and instrument2 must differ", errBadRequest)
	}
	return p, nil
}

func (s *Server) handleHedgeRatio(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPair(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.HedgeRatio(r.Context(), p.Instrument1, p.Instrument2, p.Timeframe, p.Lookback, p.Method)
	writeResult(w, res, err)
}

func (s *Server) handleSpread(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPair(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.SpreadZScore(r.Context(), p.Instrument1, p.Instrument2, p.Timeframe, p.Lookback, p.Window)
	writeResult(w, res, err)
}

func (s *Server) handleSpreadTicks(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPair(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.SpreadZScoreTicks(r.Context(), p.Instrument1, p.Instrument2, p.Ticks, p.Window)
	writeResult(w, res, err)
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPair(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.RollingCorrelation(r.Context(), p.Instrument1, p.Instrument2, p.Timeframe, p.Window)
	writeResult(w, res, err)
}

func (s *Server) handleSpreadADF(w http.ResponseWriter, r *http.Request) {
	p, err := s.readPair(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.deps.Analytics.SpreadStationarityTest(r.Context(), p.Instrument1, p.Instrument2, p.Timeframe, p.Lookback)
	writeResult(w, res, err)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Active bool `schema:"active"`
	}
	if err := decodeQuery(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	alerts, err := s.deps.Store.GetAlerts(r.Context(), p.Active)
	if err != nil {
		writeErr(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.AlertDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type createAlertRequest struct {
	Name       string          `json:"name"`
	Instrument string          `json:"instrument"`
	Metric     string          `json:"metric"`
	Condition  string          `json:"condition"`
	Threshold  json.RawMessage `json:"threshold"`
	Active     *bool           `json:"active"`
}

// parseThreshold accepts a JSON number or a numeric string.
func parseThreshold(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: threshold must be numeric", errBadRequest)
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	metric, err := model.ParseMetric(req.Metric)
	if err != nil {
		writeErr(w, err)
		return
	}
	cond, err := model.ParseCondition(req.Condition)
	if err != nil {
		writeErr(w, err)
		return
	}
	threshold, err := parseThreshold(req.Threshold)
	if err != nil {
		writeErr(w, err)
		return
	}
	def := model.AlertDefinition{
		Name:       req.Name,
		Instrument: req.Instrument,
		Metric:     metric,
		Condition:  cond,
		Threshold:  threshold,
		Active:     req.Active == nil || *req.Active,
		CreatedAt:  time.Now().UTC(),
	}
	if metric == model.MetricZScore {
		a, b, err := model.SplitPair(def.Instrument)
		if err != nil {
			writeErr(w, err)
			return
		}
		def.Instrument = model.PairKey(a, b)
	} else if def.Instrument, err = parseInstrument(def.Instrument); err != nil {
		writeErr(w, err)
		return
	}
	if err := def.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	id, err := s.deps.Store.CreateAlert(r.Context(), def)
	if err != nil {
		writeErr(w, err)
		return
	}
	def.ID = id
	writeJSON(w, http.StatusCreated, def)
}

func alertID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid alert id", errBadRequest)
	}
	return id, nil
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	a, err := s.deps.Store.GetAlert(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Store.DeleteAlert(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "deleted"})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	p := struct {
		Limit int `schema:"limit"`
	}{Limit: defaultTriggers}
	if err := decodeQuery(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	triggers := s.deps.Triggers.RecentTriggers(p.Limit)
	if triggers == nil {
		triggers = []model.TriggerEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers, "count": len(triggers)})
}
