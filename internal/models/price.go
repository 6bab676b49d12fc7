package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LastPrice represents the most recent trade price broadcast for an instrument
type LastPrice struct {
	Figi      string          `json:"figi"`
	Time      time.Time       `json:"time"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Direction is the aggressor side of a trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid reports whether d is one of the known trade directions
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Trade represents an individual exchange trade
type Trade struct {
	Figi      string          `json:"figi"`
	Time      time.Time       `json:"time"`
	Direction Direction       `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NaturalKey identifies a record for logs and replay
func (p LastPrice) NaturalKey() string {
	return fmt.Sprintf("%s@%s", p.Figi, p.Time.Format(time.RFC3339Nano))
}

// NaturalKey identifies a record for logs and replay
func (t Trade) NaturalKey() string {
	return fmt.Sprintf("%s@%s/%s", t.Figi, t.Time.Format(time.RFC3339Nano), t.Direction)
}

// NaturalKey identifies a record for logs and replay
func (c Candle) NaturalKey() string {
	return fmt.Sprintf("%s@%s", c.Figi, c.Time.Format(time.RFC3339Nano))
}
