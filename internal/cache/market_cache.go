package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

const (
	LastPriceKeyPrefix = "tinvest:last_price:"
	CandleKeyPrefix    = "tinvest:candle:"

	DefaultSnapshotTTL = 24 * time.Hour
)

// MarketClient is the subset of the redis client the market cache uses
type MarketClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// MarketCache keeps the latest stored last price and minute candle of each
// instrument for readers that do not want to query storage
type MarketCache struct {
	client MarketClient
	ttl    time.Duration
	logger *logrus.Logger
}

func NewMarketCache(client MarketClient, ttl time.Duration, logger *logrus.Logger) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &MarketCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// SetLastPrice caches p unless a newer price is already cached
func (c *MarketCache) SetLastPrice(ctx context.Context, p models.LastPrice) error {
	key := LastPriceKeyPrefix + p.Figi
	var cached models.LastPrice
	if ok, err := c.get(ctx, key, &cached); err == nil && ok && cached.Time.After(p.Time) {
		return nil
	}
	return c.set(ctx, key, p)
}

// GetLastPrice returns the cached price of figi; ok is false on a miss
func (c *MarketCache) GetLastPrice(ctx context.Context, figi string) (p models.LastPrice, ok bool, err error) {
	ok, err = c.get(ctx, LastPriceKeyPrefix+figi, &p)
	return p, ok, err
}

// SetCandle caches the latest minute candle of the instrument
func (c *MarketCache) SetCandle(ctx context.Context, candle models.Candle) error {
	key := CandleKeyPrefix + candle.Figi
	var cached models.Candle
	if ok, err := c.get(ctx, key, &cached); err == nil && ok && cached.Time.After(candle.Time) {
		return nil
	}
	return c.set(ctx, key, candle)
}

func (c *MarketCache) GetCandle(ctx context.Context, figi string) (candle models.Candle, ok bool, err error) {
	ok, err = c.get(ctx, CandleKeyPrefix+figi, &candle)
	return candle, ok, err
}

func (c *MarketCache) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *MarketCache) get(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
		return false, nil
	}
	return true, nil
}
