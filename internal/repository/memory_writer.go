package repository

import (
	"context"
	"sync"
	"time"

	"tinvest-stream/internal/models"
)

// MemoryWriter keeps the latest record per natural key in memory. It backs
// STORAGE_DRIVER=memory for dry runs. With RequirePartitions set, writes
// into a day without EnsurePartition fail like postgres does.
type MemoryWriter struct {
	RequirePartitions bool

	mu         sync.RWMutex
	location   *time.Location
	lastPrices map[string]models.LastPrice
	trades     map[string]models.Trade
	candles    map[string]models.Candle
	partitions map[string]struct{}
}

func NewMemoryWriter(location *time.Location) *MemoryWriter {
	if location == nil {
		location = time.UTC
	}
	return &MemoryWriter{
		location:   location,
		lastPrices: make(map[string]models.LastPrice),
		trades:     make(map[string]models.Trade),
		candles:    make(map[string]models.Candle),
		partitions: make(map[string]struct{}),
	}
}

func (w *MemoryWriter) UpsertLastPrice(_ context.Context, p models.LastPrice) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkPartition(TableLastPrices, p.Time); err != nil {
		return err
	}
	w.lastPrices[p.NaturalKey()] = p
	return nil
}

func (w *MemoryWriter) UpsertTrade(_ context.Context, t models.Trade) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkPartition(TableTrades, t.Time); err != nil {
		return err
	}
	w.trades[t.NaturalKey()] = t
	return nil
}

func (w *MemoryWriter) UpsertCandle(_ context.Context, c models.Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkPartition(TableCandles, c.Time); err != nil {
		return err
	}
	w.candles[c.NaturalKey()] = c
	return nil
}

func (w *MemoryWriter) EnsurePartition(_ context.Context, table string, day time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partitions[PartitionName(table, startOfDay(day, w.location))] = struct{}{}
	return nil
}

func (w *MemoryWriter) checkPartition(table string, t time.Time) error {
	if !w.RequirePartitions {
		return nil
	}
	if _, ok := w.partitions[PartitionName(table, startOfDay(t, w.location))]; !ok {
		return models.ErrMissingPartition
	}
	return nil
}

// LastPrices returns the stored last prices
func (w *MemoryWriter) LastPrices() []models.LastPrice {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]models.LastPrice, 0, len(w.lastPrices))
	for _, p := range w.lastPrices {
		out = append(out, p)
	}
	return out
}

// Trades returns the stored trades
func (w *MemoryWriter) Trades() []models.Trade {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]models.Trade, 0, len(w.trades))
	for _, t := range w.trades {
		out = append(out, t)
	}
	return out
}

// Candles returns the stored candles
func (w *MemoryWriter) Candles() []models.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]models.Candle, 0, len(w.candles))
	for _, c := range w.candles {
		out = append(out, c)
	}
	return out
}
