package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

// SQLSTATE check_violation, raised for rows that match no partition
const checkViolation = "23514"

// Execer is the subset of pgxpool.Pool used by the writer
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWriter upserts market data into range-partitioned postgres tables
type PostgresWriter struct {
	db       Execer
	location *time.Location
	logger   *logrus.Logger

	partitions sync.Map // partition name -> struct{}
}

func NewPostgresWriter(db Execer, location *time.Location, logger *logrus.Logger) *PostgresWriter {
	if location == nil {
		location = time.UTC
	}
	return &PostgresWriter{
		db:       db,
		location: location,
		logger:   logger,
	}
}

const upsertLastPriceSQL = `
	INSERT INTO last_prices (figi, time, price, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (figi, time) DO UPDATE SET
		price = EXCLUDED.price,
		updated_at = EXCLUDED.updated_at`

const upsertTradeSQL = `
	INSERT INTO trades (figi, time, direction, price, quantity, updated_at)
	VALUES ($1, $2, $3, $4, $5, now())
	ON CONFLICT (figi, time, direction) DO UPDATE SET
		price = EXCLUDED.price,
		quantity = EXCLUDED.quantity,
		updated_at = EXCLUDED.updated_at`

const upsertCandleSQL = `
	INSERT INTO candles_1m (figi, time, open, high, low, close, volume, complete, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (figi, time) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		complete = EXCLUDED.complete,
		updated_at = EXCLUDED.updated_at`

// UpsertLastPrice inserts or replaces the last price keyed by (figi, time)
func (w *PostgresWriter) UpsertLastPrice(ctx context.Context, p models.LastPrice) error {
	_, err := w.db.Exec(ctx, upsertLastPriceSQL, p.Figi, p.Time, p.Price)
	return classify(err)
}

// UpsertTrade inserts or replaces the trade keyed by (figi, time, direction)
func (w *PostgresWriter) UpsertTrade(ctx context.Context, t models.Trade) error {
	_, err := w.db.Exec(ctx, upsertTradeSQL, t.Figi, t.Time, string(t.Direction), t.Price, t.Quantity)
	return classify(err)
}

// UpsertCandle inserts or replaces the candle keyed by (figi, time)
func (w *PostgresWriter) UpsertCandle(ctx context.Context, c models.Candle) error {
	_, err := w.db.Exec(ctx, upsertCandleSQL, c.Figi, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume, c.Complete)
	return classify(err)
}

// EnsurePartition creates the daily partition of table containing day
func (w *PostgresWriter) EnsurePartition(ctx context.Context, table string, day time.Time) error {
	if !isPartitioned(table) {
		return fmt.Errorf("table %s is not partitioned", table)
	}

	from := startOfDay(day, w.location)
	to := from.AddDate(0, 0, 1)
	name := PartitionName(table, from)

	if _, ok := w.partitions.Load(name); ok {
		return nil
	}

	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
		from.Format(time.RFC3339),
		to.Format(time.RFC3339),
	)
	if _, err := w.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	w.partitions.Store(name, struct{}{})
	w.logger.WithFields(logrus.Fields{
		"table":     table,
		"partition": name,
	}).Info("Created partition")
	return nil
}

// PartitionName is the daily partition table name, e.g. trades_20240301
func PartitionName(table string, day time.Time) string {
	return fmt.Sprintf("%s_%s", table, day.Format("20060102"))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation && strings.Contains(pgErr.Message, "no partition of relation") {
		return fmt.Errorf("%w: %s", models.ErrMissingPartition, pgErr.Message)
	}
	return err
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
