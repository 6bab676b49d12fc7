package repository

import (
	"context"
	"time"

	"tinvest-stream/internal/models"
)

// Writer is the write path shared by every storage driver
type Writer interface {
	UpsertLastPrice(ctx context.Context, p models.LastPrice) error
	UpsertTrade(ctx context.Context, t models.Trade) error
	UpsertCandle(ctx context.Context, c models.Candle) error
	EnsurePartition(ctx context.Context, table string, day time.Time) error
}

var (
	_ Writer = (*PostgresWriter)(nil)
	_ Writer = (*ClickHouseWriter)(nil)
	_ Writer = (*MemoryWriter)(nil)
)
