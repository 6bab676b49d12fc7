package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind is the reference-data catalog an instrument comes from
type InstrumentKind string

const (
	KindShare      InstrumentKind = "share"
	KindFuture     InstrumentKind = "future"
	KindIndicative InstrumentKind = "indicative"
)

// Instrument is the read-only reference view the streaming core needs
type Instrument struct {
	Figi   string         `json:"figi"`
	Ticker string         `json:"ticker"`
	Name   string         `json:"name"`
	Kind   InstrumentKind `json:"kind"`
}

// InstrumentBounds holds the price boundaries monitored for an instrument.
// Zero values mean the boundary is unknown.
type InstrumentBounds struct {
	Instrument
	LimitUp        decimal.Decimal `json:"limit_up"`
	LimitDown      decimal.Decimal `json:"limit_down"`
	HistoricalHigh decimal.Decimal `json:"historical_high"`
	HistoricalLow  decimal.Decimal `json:"historical_low"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasLimits reports whether any exchange limit is known
func (b InstrumentBounds) HasLimits() bool {
	return b.LimitUp.IsPositive() || b.LimitDown.IsPositive()
}

// HasHistorical reports whether any historical extreme is known
func (b InstrumentBounds) HasHistorical() bool {
	return b.HistoricalHigh.IsPositive() || b.HistoricalLow.IsPositive()
}
