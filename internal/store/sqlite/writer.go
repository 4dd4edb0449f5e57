package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"pairs-analytics/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an alert id does not exist.
var ErrNotFound = errors.New("not found")

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/trading_data.db"
}

// Writer is the single-connection SQLite writer. All inserts go through it.
type Writer struct {
	db *sql.DB

	// Optional hook, called after each committed tick batch.
	OnCommit func(rows int, took time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			price      REAL    NOT NULL,
			size       REAL    NOT NULL,
			trade_id   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_instrument_ts ON ticks (instrument, ts);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ticks_trade ON ticks (instrument, trade_id) WHERE trade_id > 0;

		CREATE TABLE IF NOT EXISTS candles (
			instrument   TEXT    NOT NULL,
			timeframe    TEXT    NOT NULL,
			bucket_start INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       REAL    NOT NULL,
			trade_count  INTEGER NOT NULL,
			PRIMARY KEY (instrument, timeframe, bucket_start)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT    NOT NULL,
			instrument     TEXT    NOT NULL,
			metric         TEXT    NOT NULL,
			condition      TEXT    NOT NULL,
			threshold      REAL    NOT NULL,
			active         INTEGER NOT NULL DEFAULT 1,
			created_at     INTEGER NOT NULL,
			last_triggered INTEGER
		);
	`)
	return err
}

// InsertTicks inserts a batch of ticks in a single transaction.
// Ticks with a vendor trade id already stored are ignored, so retried
// flushes do not duplicate rows.
func (w *Writer) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ticks (instrument, ts, price, size, trade_id)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Instrument, t.Timestamp.UnixMilli(), t.Price, t.Size, t.TradeID); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.OnCommit != nil {
		w.OnCommit(len(ticks), time.Since(start))
	}
	return nil
}

// UpsertCandle inserts a candle or overwrites every OHLC field of the
// existing row with the same (instrument, timeframe, bucket_start).
func (w *Writer) UpsertCandle(ctx context.Context, c model.Candle) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO candles (instrument, timeframe, bucket_start, open, high, low, close, volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument, timeframe, bucket_start) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			trade_count = excluded.trade_count
	`, c.Instrument, c.Timeframe, c.BucketStart.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
	if err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// CreateAlert stores a new alert definition and returns its id.
func (w *Writer) CreateAlert(ctx context.Context, a model.AlertDefinition) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := w.db.ExecContext(ctx, `
		INSERT INTO alerts (name, instrument, metric, condition, threshold, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Name, a.Instrument, string(a.Metric), string(a.Condition), a.Threshold, a.Active, a.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite insert alert: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAlertTrigger sets last_triggered for an alert.
func (w *Writer) UpdateAlertTrigger(ctx context.Context, id int64, at time.Time) error {
	res, err := w.db.ExecContext(ctx, `UPDATE alerts SET last_triggered = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlite update alert: %w", err)
	}
	return expectRow(res)
}

// DeleteAlert removes an alert definition.
func (w *Writer) DeleteAlert(ctx context.Context, id int64) error {
	res, err := w.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete alert: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
