package processor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
	"tinvest-stream/internal/provider"
	"tinvest-stream/internal/repository"
)

type (
	LastPriceProcessor    = Processor[provider.LastPrice, models.LastPrice]
	TradeProcessor        = Processor[provider.Trade, models.Trade]
	CandleProcessor       = Processor[provider.Candle, models.Candle]
	LimitMonitorProcessor = Processor[provider.LastPrice, models.LastPrice]
)

// CandlePublisher fans stored candles out to subscribers
type CandlePublisher interface {
	PublishCandle(ctx context.Context, c models.Candle) error
}

// Snapshots receives the latest stored record of each instrument
type Snapshots interface {
	SetLastPrice(ctx context.Context, p models.LastPrice) error
	SetCandle(ctx context.Context, c models.Candle) error
}

// LimitChecker evaluates a price against the monitored bounds
type LimitChecker interface {
	CheckPrice(ctx context.Context, p models.LastPrice) error
}

// Options tune a processor. Zero values select the defaults.
type Options struct {
	Location     *time.Location
	WriteTimeout time.Duration
	MaxInFlight  int64
	// WaitingClose marks every candle complete: the stream only sends closed ones
	WaitingClose bool
	// Snapshots, when set, is updated after every stored last price and candle
	Snapshots Snapshots
	Now       func() time.Time
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o Options) ceiling(def int64) int64 {
	if o.MaxInFlight > 0 {
		return o.MaxInFlight
	}
	return def
}

var errNoFigi = errors.New("missing figi")

func NewLastPriceProcessor(w repository.Writer, logger *logrus.Logger, opts Options) *LastPriceProcessor {
	cfg := Config[provider.LastPrice, models.LastPrice]{
		Name:          "last_price",
		Table:         repository.TableLastPrices,
		Convert:       convertLastPrice(opts),
		Store:         w.UpsertLastPrice,
		Key:           models.LastPrice.NaturalKey,
		PartitionTime: func(p models.LastPrice) time.Time { return p.Time },
		Partitions:    w,
		MaxInFlight:   opts.ceiling(LastPriceMaxInFlight),
		WriteTimeout:  opts.WriteTimeout,
	}
	if opts.Snapshots != nil {
		cfg.AfterStore = opts.Snapshots.SetLastPrice
	}
	return New(cfg, logger)
}

func NewTradeProcessor(w repository.Writer, logger *logrus.Logger, opts Options) *TradeProcessor {
	loc := opts.location()
	return New(Config[provider.Trade, models.Trade]{
		Name:  "trades",
		Table: repository.TableTrades,
		Convert: func(ev provider.Trade) (models.Trade, error) {
			if ev.Figi == "" {
				return models.Trade{}, &models.ProcessingError{Reason: "trade", Err: errNoFigi}
			}
			dir, ok := ev.TradeDirection()
			if !ok {
				return models.Trade{}, &models.ProcessingError{Reason: "unknown trade direction " + ev.Direction}
			}
			if ev.Time.IsZero() {
				return models.Trade{}, &models.ProcessingError{Reason: "trade without time"}
			}
			return models.Trade{
				Figi:      ev.Figi,
				Time:      ev.Time.In(loc),
				Direction: dir,
				Price:     ev.Price.Decimal(),
				Quantity:  int64(ev.Quantity),
				UpdatedAt: opts.now(),
			}, nil
		},
		Store:         w.UpsertTrade,
		Key:           models.Trade.NaturalKey,
		PartitionTime: func(t models.Trade) time.Time { return t.Time },
		Partitions:    w,
		MaxInFlight:   opts.ceiling(TradeMaxInFlight),
		WriteTimeout:  opts.WriteTimeout,
	}, logger)
}

// NewCandleProcessor stores minute candles and, when pub is set, publishes
// each stored candle
func NewCandleProcessor(w repository.Writer, pub CandlePublisher, logger *logrus.Logger, opts Options) *CandleProcessor {
	loc := opts.location()
	cfg := Config[provider.Candle, models.Candle]{
		Name:  "candles",
		Table: repository.TableCandles,
		Convert: func(ev provider.Candle) (models.Candle, error) {
			if ev.Figi == "" {
				return models.Candle{}, &models.ProcessingError{Reason: "candle", Err: errNoFigi}
			}
			if ev.Time.IsZero() {
				return models.Candle{}, &models.ProcessingError{Reason: "candle without open time"}
			}
			now := opts.now()
			open := models.TruncateToMinute(ev.Time).In(loc)
			return models.Candle{
				Figi:      ev.Figi,
				Time:      open,
				Open:      ev.Open.Decimal(),
				High:      ev.High.Decimal(),
				Low:       ev.Low.Decimal(),
				Close:     ev.Close.Decimal(),
				Volume:    int64(ev.Volume),
				Complete:  opts.WaitingClose || !now.Before(open.Add(models.CandleInterval)),
				UpdatedAt: now,
			}, nil
		},
		Store:         w.UpsertCandle,
		Key:           models.Candle.NaturalKey,
		PartitionTime: func(c models.Candle) time.Time { return c.Time },
		Partitions:    w,
		MaxInFlight:   opts.ceiling(CandleMaxInFlight),
		WriteTimeout:  opts.WriteTimeout,
	}
	cfg.AfterStore = afterCandle(opts.Snapshots, pub)
	return New(cfg, logger)
}

func afterCandle(snaps Snapshots, pub CandlePublisher) func(context.Context, models.Candle) error {
	if snaps == nil && pub == nil {
		return nil
	}
	return func(ctx context.Context, c models.Candle) error {
		var errs []error
		if snaps != nil {
			errs = append(errs, snaps.SetCandle(ctx, c))
		}
		if pub != nil {
			errs = append(errs, pub.PublishCandle(ctx, c))
		}
		return errors.Join(errs...)
	}
}

// NewLimitMonitorProcessor feeds last prices into the limit checker instead
// of storage
func NewLimitMonitorProcessor(checker LimitChecker, logger *logrus.Logger, opts Options) *LimitMonitorProcessor {
	return New(Config[provider.LastPrice, models.LastPrice]{
		Name:         "limit_monitor",
		Convert:      convertLastPrice(opts),
		Store:        checker.CheckPrice,
		Key:          models.LastPrice.NaturalKey,
		MaxInFlight:  opts.ceiling(LimitMonitorMaxInFlight),
		WriteTimeout: opts.WriteTimeout,
	}, logger)
}

func convertLastPrice(opts Options) func(provider.LastPrice) (models.LastPrice, error) {
	loc := opts.location()
	return func(ev provider.LastPrice) (models.LastPrice, error) {
		if ev.Figi == "" {
			return models.LastPrice{}, &models.ProcessingError{Reason: "last price", Err: errNoFigi}
		}
		if ev.Time.IsZero() {
			return models.LastPrice{}, &models.ProcessingError{Reason: "last price without time"}
		}
		return models.LastPrice{
			Figi:      ev.Figi,
			Time:      ev.Time.In(loc),
			Price:     ev.Price.Decimal(),
			UpdatedAt: opts.now(),
		}, nil
	}
}
