// Package limits raises alerts when last prices approach or cross the
// exchange limits or historical extremes of an instrument.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
)

// Notifier delivers an alert to the chat channel
type Notifier interface {
	PublishAlert(ctx context.Context, alert models.LimitAlert) error
}

// BoundsLookup returns the cached bounds of one instrument
type BoundsLookup interface {
	Get(figi string) (models.InstrumentBounds, bool)
}

type MonitorConfig struct {
	Bounds     BoundsLookup
	Thresholds *Thresholds
	Dedup      *Dedup
	Notifier   Notifier
	Now        func() time.Time
}

// Monitor evaluates last prices against cached bounds and sends each alert
// at most once per key per exchange day
type Monitor struct {
	bounds     BoundsLookup
	thresholds *Thresholds
	dedup      *Dedup
	notifier   Notifier
	now        func() time.Time
	logger     *logrus.Logger
}

func NewMonitor(cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewDedup(time.UTC)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		bounds:     cfg.Bounds,
		thresholds: cfg.Thresholds,
		dedup:      cfg.Dedup,
		notifier:   cfg.Notifier,
		now:        cfg.Now,
		logger:     logger,
	}
}

func (m *Monitor) Thresholds() *Thresholds { return m.thresholds }

func (m *Monitor) Dedup() *Dedup { return m.dedup }

// Evaluate returns every alert p qualifies for, without deduplication.
// Missing bounds or a non-positive price yield no alerts.
func (m *Monitor) Evaluate(p models.LastPrice) []models.LimitAlert {
	if !p.Price.IsPositive() {
		return nil
	}
	b, ok := m.bounds.Get(p.Figi)
	if !ok {
		return nil
	}

	var alerts []models.LimitAlert
	check := func(kind models.BoundKind, lt models.LimitType, limit decimal.Decimal) {
		if !limit.IsPositive() {
			return
		}
		distance, approaching, reached := Assess(p.Price, limit, lt, m.thresholds.For(kind))
		if !approaching && !reached {
			return
		}
		alerts = append(alerts, models.LimitAlert{
			Figi:            p.Figi,
			Ticker:          b.Ticker,
			Name:            b.Name,
			EventTime:       p.Time,
			CurrentPrice:    p.Price,
			Kind:            kind,
			LimitType:       lt,
			LimitPrice:      limit,
			DistancePercent: distance.Round(4),
			Approaching:     approaching,
			Reached:         reached,
		})
	}

	check(models.BoundExchangeLimit, models.LimitUp, b.LimitUp)
	check(models.BoundExchangeLimit, models.LimitDown, b.LimitDown)
	check(models.BoundHistorical, models.LimitUp, b.HistoricalHigh)
	check(models.BoundHistorical, models.LimitDown, b.HistoricalLow)
	return alerts
}

// Assess computes the distance from price to limit in percent of price and
// classifies it. UP is reached at or above the limit, DOWN at or below.
func Assess(price, limit decimal.Decimal, lt models.LimitType, thresholdPct decimal.Decimal) (distancePct decimal.Decimal, approaching, reached bool) {
	distancePct = limit.Sub(price).Abs().Div(price).Mul(hundred)
	if lt == models.LimitUp {
		reached = price.GreaterThanOrEqual(limit)
	} else {
		reached = price.LessThanOrEqual(limit)
	}
	approaching = !reached && distancePct.LessThanOrEqual(thresholdPct)
	return distancePct, approaching, reached
}

// CheckPrice evaluates p and notifies every alert not yet sent today. A
// failed notification keeps its dedup entry. It never returns an error for
// a single bad event.
func (m *Monitor) CheckPrice(ctx context.Context, p models.LastPrice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"figi":  p.Figi,
				"panic": fmt.Sprint(r),
			}).Error("Limit check panicked")
			err = nil
		}
	}()

	now := m.now()
	for _, alert := range m.Evaluate(p) {
		key := alert.Key()
		labels := []string{string(key.Kind), string(key.LimitType), string(key.State)}

		if !m.dedup.Claim(key, now) {
			metrics.LimitAlerts.WithLabelValues(append(labels, "suppressed")...).Inc()
			continue
		}

		fields := logrus.Fields{
			"figi":       alert.Figi,
			"kind":       alert.Kind,
			"limit_type": alert.LimitType,
			"state":      key.State,
			"price":      alert.CurrentPrice.String(),
			"limit":      alert.LimitPrice.String(),
			"distance":   alert.DistancePercent.StringFixed(2),
		}

		if m.notifier == nil {
			metrics.LimitAlerts.WithLabelValues(append(labels, "sent")...).Inc()
			m.logger.WithFields(fields).Info("Limit alert")
			continue
		}
		if nerr := m.notifier.PublishAlert(ctx, alert); nerr != nil {
			metrics.LimitAlerts.WithLabelValues(append(labels, "failed")...).Inc()
			m.logger.WithError(nerr).WithFields(fields).Warn("Failed to deliver limit alert")
			continue
		}
		metrics.LimitAlerts.WithLabelValues(append(labels, "sent")...).Inc()
		m.logger.WithFields(fields).Info("Limit alert sent")
	}
	return nil
}

// RunMaintenance sweeps stale dedup entries at every exchange midnight
// until ctx ends
func (m *Monitor) RunMaintenance(ctx context.Context) {
	for {
		now := m.now()
		timer := time.NewTimer(m.dedup.NextMidnight(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			removed := m.dedup.Sweep(m.now())
			m.logger.WithFields(logrus.Fields{
				"removed": removed,
				"tracked": m.dedup.Len(),
			}).Info("Swept alert dedup cache")
		}
	}
}

// Clear drops all dedup state at shutdown
func (m *Monitor) Clear() {
	m.dedup.Clear()
}
