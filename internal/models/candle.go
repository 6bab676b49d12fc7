package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one-minute OHLCV data for an instrument
type Candle struct {
	Figi      string          `json:"figi"`
	Time      time.Time       `json:"time"` // candle open time, exchange timezone
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Complete  bool            `json:"complete"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CandleResponse represents API response format
type CandleResponse struct {
	Figi     string `json:"figi"`
	Time     int64  `json:"time"` // Milliseconds
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   int64  `json:"volume"`
	Complete bool   `json:"complete"`
}

// ToResponse converts Candle to API response format
func (c *Candle) ToResponse() *CandleResponse {
	return &CandleResponse{
		Figi:     c.Figi,
		Time:     c.Time.UnixMilli(),
		Open:     c.Open.String(),
		High:     c.High.String(),
		Low:      c.Low.String(),
		Close:    c.Close.String(),
		Volume:   c.Volume,
		Complete: c.Complete,
	}
}

// CandleInterval is the only interval the minute candle stream subscribes to
const CandleInterval = time.Minute

// TruncateToMinute normalizes a candle timestamp to its interval boundary
func TruncateToMinute(t time.Time) time.Time {
	return t.Truncate(CandleInterval)
}
