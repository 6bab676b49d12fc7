package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

const (
	BoundsKeyPrefix = "tinvest:bounds:"
	scanBatch       = 500
)

// BoundsClient is the subset of the redis client the bounds cache uses
type BoundsClient interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// BoundsCache reads instrument limit bounds and historical extremes that the
// reference-data loader keeps in redis as one JSON document per FIGI
type BoundsCache struct {
	client BoundsClient
	logger *logrus.Logger
}

func NewBoundsCache(client BoundsClient, logger *logrus.Logger) *BoundsCache {
	return &BoundsCache{
		client: client,
		logger: logger,
	}
}

// BoundsKey returns the redis key of figi
func BoundsKey(figi string) string {
	return BoundsKeyPrefix + figi
}

// LoadBounds returns every cached document keyed by FIGI. Undecodable
// documents are skipped with a warning.
func (c *BoundsCache) LoadBounds(ctx context.Context) (map[string]models.InstrumentBounds, error) {
	out := make(map[string]models.InstrumentBounds)

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, BoundsKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan bounds keys: %w", err)
		}

		if len(keys) > 0 {
			values, err := c.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read bounds: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				b, err := decodeBounds(keys[i], raw)
				if err != nil {
					c.logger.WithError(err).WithField("key", keys[i]).Warn("Skipping bounds document")
					continue
				}
				out[b.Figi] = b
			}
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	return out, nil
}

func decodeBounds(key, raw string) (models.InstrumentBounds, error) {
	var b models.InstrumentBounds
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return b, err
	}
	if b.Figi == "" {
		b.Figi = strings.TrimPrefix(key, BoundsKeyPrefix)
	}
	return b, nil
}
