package connection

import (
	"tinvest-stream/internal/models"
)

const (
	// MaxSubscriptionsPerStream is the provider's hard per-stream ceiling
	MaxSubscriptionsPerStream = 300

	// StreamBatchSize leaves headroom below the provider ceiling
	StreamBatchSize = 250
)

// CreateBatches splits ids into contiguous chunks of at most batchSize,
// preserving order. Empty input yields no batches.
func CreateBatches(ids []string, batchSize int) ([][]string, error) {
	if batchSize < 1 || batchSize > MaxSubscriptionsPerStream {
		return nil, &models.InvalidConfigurationError{
			Field:  "batch_size",
			Value:  batchSize,
			Reason: "must be within [1, 300]",
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	batches := make([][]string, 0, (len(ids)+batchSize-1)/batchSize)
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := make([]string, end-start)
		copy(batch, ids[start:end])
		batches = append(batches, batch)
	}
	return batches, nil
}
