package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

// ClickHouseWriter stores market data in ReplacingMergeTree tables. Rows with
// the same sorting key collapse to the latest updated_at, which gives the
// same last-writer-wins result as the postgres upserts.
type ClickHouseWriter struct {
	conn   driver.Conn
	logger *logrus.Logger
}

func NewClickHouseWriter(conn driver.Conn, logger *logrus.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:   conn,
		logger: logger,
	}
}

func (w *ClickHouseWriter) UpsertLastPrice(ctx context.Context, p models.LastPrice) error {
	query := `INSERT INTO last_prices (figi, time, price, updated_at) VALUES (?, ?, ?, ?)`
	if err := w.conn.Exec(ctx, query, p.Figi, p.Time, p.Price, time.Now()); err != nil {
		return fmt.Errorf("failed to insert last price: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) UpsertTrade(ctx context.Context, t models.Trade) error {
	query := `INSERT INTO trades (figi, time, direction, price, quantity, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if err := w.conn.Exec(ctx, query, t.Figi, t.Time, string(t.Direction), t.Price, t.Quantity, time.Now()); err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) UpsertCandle(ctx context.Context, c models.Candle) error {
	complete := uint8(0)
	if c.Complete {
		complete = 1
	}

	query := `
		INSERT INTO candles_1m (
			figi, time, open, high, low, close, volume, complete, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := w.conn.Exec(ctx, query,
		c.Figi, c.Time,
		c.Open, c.High, c.Low, c.Close,
		c.Volume, complete, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert candle: %w", err)
	}
	return nil
}

// EnsurePartition is a no-op: clickhouse derives partitions from PARTITION BY
func (w *ClickHouseWriter) EnsurePartition(context.Context, string, time.Time) error {
	return nil
}
