// Package processor converts provider events into storage records and
// persists them with bounded concurrency. Work beyond the ceiling is dropped,
// never queued.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
)

// Per-kind persistence ceilings
const (
	LastPriceMaxInFlight    = 200
	TradeMaxInFlight        = 100
	CandleMaxInFlight       = 100
	LimitMonitorMaxInFlight = 200

	DefaultWriteTimeout = 10 * time.Second
)

// PartitionManager creates time partitions on demand
type PartitionManager interface {
	EnsurePartition(ctx context.Context, table string, day time.Time) error
}

// Config wires one processor
type Config[E, R any] struct {
	Name  string
	Table string

	Convert func(E) (R, error)
	Store   func(ctx context.Context, rec R) error
	Key     func(R) string
	// PartitionTime returns the timestamp that selects the record's partition
	PartitionTime func(R) time.Time
	Partitions    PartitionManager
	// AfterStore runs after a successful write. Its error is logged only.
	AfterStore func(ctx context.Context, rec R) error

	MaxInFlight  int64
	WriteTimeout time.Duration
}

// Processor is the pipeline for one data kind
type Processor[E, R any] struct {
	cfg    Config[E, R]
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func New[E, R any](cfg Config[E, R], logger *logrus.Logger) *Processor[E, R] {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Processor[E, R]{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		logger: logger,
	}
}

// Name identifies the processor in logs and metrics
func (p *Processor[E, R]) Name() string { return p.cfg.Name }

// Drain waits for every admitted task to finish or ctx to end
func (p *Processor[E, R]) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s drain: %w", p.cfg.Name, ctx.Err())
	}
}

// persist runs detached from any caller context: admitted work completes
// even after the owning service stops
func (p *Processor[E, R]) persist(rec R) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := p.cfg.Store(ctx, rec)

	if errors.Is(err, models.ErrMissingPartition) && p.cfg.Partitions != nil && p.cfg.PartitionTime != nil {
		if perr := p.cfg.Partitions.EnsurePartition(ctx, p.cfg.Table, p.cfg.PartitionTime(rec)); perr != nil {
			err = fmt.Errorf("on-demand partition: %w", perr)
		} else {
			metrics.PartitionsCreated.WithLabelValues(p.cfg.Table).Inc()
			err = p.cfg.Store(ctx, rec)
		}
	}

	if p.cfg.Table != "" {
		metrics.TrackLatency(start, metrics.PersistLatency.WithLabelValues(p.cfg.Table))
	}

	if err != nil {
		key := p.key(rec)
		if p.cfg.Table != "" {
			metrics.PersistFailures.WithLabelValues(p.cfg.Table).Inc()
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"processor": p.cfg.Name,
			"table":     p.cfg.Table,
			"key":       key,
		}).Error("Failed to persist event")
		return &models.PersistenceError{Table: p.cfg.Table, Key: key, Err: err}
	}

	if p.cfg.AfterStore != nil {
		if herr := p.cfg.AfterStore(ctx, rec); herr != nil {
			p.logger.WithError(herr).WithFields(logrus.Fields{
				"processor": p.cfg.Name,
				"key":       p.key(rec),
			}).Warn("Post-store hook failed")
		}
	}
	return nil
}

func (p *Processor[E, R]) key(rec R) string {
	if p.cfg.Key == nil {
		return ""
	}
	return p.cfg.Key(rec)
}
