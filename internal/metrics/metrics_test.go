package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.WithLabelValues("btcusdt").Add(3)
	m.CandlesTotal.WithLabelValues("1m").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("btcusdt")))

	// A second set on a fresh registry must not panic.
	NewMetrics(prometheus.NewRegistry())
}

func TestHealthReportStatus(t *testing.T) {
	h := NewHealthStatus()
	assert.Equal(t, "unhealthy", h.Report().Status)

	h.SetSQLiteOK(true)
	assert.Equal(t, "degraded", h.Report().Status, "feed down")

	h.SetFeedConnected(true)
	assert.Equal(t, "healthy", h.Report().Status, "redis disabled does not count")

	h.SetRedisEnabled(true)
	assert.Equal(t, "degraded", h.Report().Status)
	h.SetRedisConnected(true)
	assert.Equal(t, "healthy", h.Report().Status)
}

func TestHealthzEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.WSClients.Set(2)

	h := NewHealthStatus()
	h.SetFeedConnected(true)
	h.SetSQLiteOK(true)
	h.SetTimeframes([]string{"1s", "1m"})
	h.SetLastTickTime(time.Now())
	srv := NewServer(":0", h, reg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, []string{"1s", "1m"}, rep.Timeframes)
	assert.NotEmpty(t, rep.TickAge)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "analytics_ws_clients 2"))

	h.SetFeedConnected(false)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDependencyChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	h := NewHealthStatus()
	ctx := context.Background()
	h.CheckRedis(ctx, rdb)
	h.CheckSQLite(ctx, db)
	rep := h.Report()
	assert.True(t, rep.RedisConnected)
	assert.True(t, rep.SQLiteOK)
	assert.NotEmpty(t, rep.LastCheckAt)

	mr.Close()
	h.CheckRedis(ctx, rdb)
	assert.False(t, h.Report().RedisConnected)
}
