package limits

import (
	"sync/atomic"

	"github.com/shopspring/decimal"

	"tinvest-stream/internal/models"
)

// DefaultThresholdPercent is used when no threshold is configured
var DefaultThresholdPercent = decimal.NewFromInt(1)

var hundred = decimal.NewFromInt(100)

// Thresholds holds the approach thresholds in percent. Both can change at
// runtime while events are being evaluated.
type Thresholds struct {
	limit      atomic.Pointer[decimal.Decimal]
	historical atomic.Pointer[decimal.Decimal]
}

// NewThresholds validates both values
func NewThresholds(limitPct, historicalPct decimal.Decimal) (*Thresholds, error) {
	t := &Thresholds{}
	if err := t.SetLimit(limitPct); err != nil {
		return nil, err
	}
	if err := t.SetHistorical(historicalPct); err != nil {
		return nil, err
	}
	return t, nil
}

func DefaultThresholds() *Thresholds {
	t := &Thresholds{}
	d := DefaultThresholdPercent
	t.limit.Store(&d)
	t.historical.Store(&d)
	return t
}

func (t *Thresholds) Limit() decimal.Decimal      { return *t.limit.Load() }
func (t *Thresholds) Historical() decimal.Decimal { return *t.historical.Load() }

// For returns the threshold applying to kind
func (t *Thresholds) For(kind models.BoundKind) decimal.Decimal {
	if kind == models.BoundHistorical {
		return t.Historical()
	}
	return t.Limit()
}

func (t *Thresholds) SetLimit(pct decimal.Decimal) error {
	if err := ValidateThreshold("limit_threshold_percent", pct); err != nil {
		return err
	}
	t.limit.Store(&pct)
	return nil
}

func (t *Thresholds) SetHistorical(pct decimal.Decimal) error {
	if err := ValidateThreshold("historical_threshold_percent", pct); err != nil {
		return err
	}
	t.historical.Store(&pct)
	return nil
}

// ValidateThreshold accepts percentages in [0, 100]
func ValidateThreshold(field string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return &models.InvalidConfigurationError{
			Field:  field,
			Value:  pct.String(),
			Reason: "must be within [0, 100]",
		}
	}
	return nil
}
