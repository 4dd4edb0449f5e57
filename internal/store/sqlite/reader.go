package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pairs-analytics/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read access to SQLite for the analytics and request layers.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection pool for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// rangeClause appends ts bounds for a TimeRange to a WHERE clause.
func rangeClause(col string, r model.TimeRange, where []string, args []any) ([]string, []any) {
	if !r.Start.IsZero() {
		where = append(where, col+" >= ?")
		args = append(args, r.Start.UnixMilli())
	}
	if !r.End.IsZero() {
		where = append(where, col+" <= ?")
		args = append(args, r.End.UnixMilli())
	}
	return where, args
}

func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// GetTicks returns the most recent limit ticks in r, ordered oldest-first.
func (r *Reader) GetTicks(ctx context.Context, instrument string, tr model.TimeRange, limit int) ([]model.Tick, error) {
	where, args := rangeClause("ts", tr, []string{"instrument = ?"}, []any{instrument})
	args = append(args, limitArg(limit))

	rows, err := r.db.QueryContext(ctx, `
		SELECT instrument, ts, price, size, trade_id
		FROM ticks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		var t model.Tick
		var tsMs int64
		if err := rows.Scan(&t.Instrument, &tsMs, &t.Price, &t.Size, &t.TradeID); err != nil {
			return nil, fmt.Errorf("sqlite scan ticks: %w", err)
		}
		t.Timestamp = time.UnixMilli(tsMs).UTC()
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(ticks)
	return ticks, nil
}

// GetCandles returns the most recent limit candles in r, ordered oldest-first.
func (r *Reader) GetCandles(ctx context.Context, instrument, timeframe string, tr model.TimeRange, limit int) ([]model.Candle, error) {
	where, args := rangeClause("bucket_start", tr,
		[]string{"instrument = ?", "timeframe = ?"}, []any{instrument, timeframe})
	args = append(args, limitArg(limit))

	rows, err := r.db.QueryContext(ctx, `
		SELECT instrument, timeframe, bucket_start, open, high, low, close, volume, trade_count
		FROM candles
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY bucket_start DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var tsMs int64
		if err := rows.Scan(&c.Instrument, &c.Timeframe, &tsMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.BucketStart = time.UnixMilli(tsMs).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(candles)
	return candles, nil
}

const alertColumns = `id, name, instrument, metric, condition, threshold, active, created_at, last_triggered`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(s rowScanner) (model.AlertDefinition, error) {
	var a model.AlertDefinition
	var metric, cond string
	var createdMs int64
	var lastMs sql.NullInt64
	if err := s.Scan(&a.ID, &a.Name, &a.Instrument, &metric, &cond, &a.Threshold, &a.Active, &createdMs, &lastMs); err != nil {
		return a, err
	}
	a.Metric = model.Metric(metric)
	a.Condition = model.Condition(cond)
	a.CreatedAt = time.UnixMilli(createdMs).UTC()
	if lastMs.Valid {
		t := time.UnixMilli(lastMs.Int64).UTC()
		a.LastTriggered = &t
	}
	return a, nil
}

// GetAlert loads one alert definition.
func (r *Reader) GetAlert(ctx context.Context, id int64) (model.AlertDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// GetAlerts lists alert definitions ordered by id.
func (r *Reader) GetAlerts(ctx context.Context, activeOnly bool) ([]model.AlertDefinition, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.AlertDefinition
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan alerts: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// TickCount returns the number of stored ticks for instrument, or for all
// instruments when instrument is empty.
func (r *Reader) TickCount(ctx context.Context, instrument string) (int64, error) {
	var n int64
	var err error
	if instrument == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks WHERE instrument = ?`, instrument).Scan(&n)
	}
	return n, err
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
