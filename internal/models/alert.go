package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LimitType is the side of the boundary being watched
type LimitType string

const (
	LimitUp   LimitType = "UP"
	LimitDown LimitType = "DOWN"
)

// AlertState distinguishes a boundary being approached from one being crossed
type AlertState string

const (
	StateApproaching AlertState = "APPROACHING"
	StateReached     AlertState = "REACHED"
)

// BoundKind selects which pair of boundaries an alert refers to
type BoundKind string

const (
	BoundExchangeLimit BoundKind = "EXCHANGE_LIMIT"
	BoundHistorical    BoundKind = "HISTORICAL"
)

// AlertKey is the deduplication identity of an alert
type AlertKey struct {
	Figi      string
	Kind      BoundKind
	LimitType LimitType
	State     AlertState
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Figi, k.Kind, k.LimitType, k.State)
}

// LimitAlert is the payload handed to the notification sink
type LimitAlert struct {
	Figi            string          `json:"figi"`
	Ticker          string          `json:"ticker"`
	Name            string          `json:"name"`
	EventTime       time.Time       `json:"event_time"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	Kind            BoundKind       `json:"kind"`
	LimitType       LimitType       `json:"limit_type"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	DistancePercent decimal.Decimal `json:"distance_percent"`
	Approaching     bool            `json:"approaching"`
	Reached         bool            `json:"reached"`
}

// Key returns the deduplication key of the alert
func (a LimitAlert) Key() AlertKey {
	state := StateApproaching
	if a.Reached {
		state = StateReached
	}
	return AlertKey{Figi: a.Figi, Kind: a.Kind, LimitType: a.LimitType, State: state}
}

// Text renders the alert the way the chat channel shows it
func (a LimitAlert) Text() string {
	var b strings.Builder

	var what string
	switch {
	case a.Kind == BoundHistorical && a.LimitType == LimitUp:
		what = "historical high"
	case a.Kind == BoundHistorical:
		what = "historical low"
	case a.LimitType == LimitUp:
		what = "upper limit"
	default:
		what = "lower limit"
	}

	status := "approaching"
	if a.Reached {
		status = "REACHED"
	}

	title := a.Ticker
	if title == "" {
		title = a.Figi
	}
	fmt.Fprintf(&b, "%s %s %s\n", title, status, what)
	if a.Name != "" {
		fmt.Fprintf(&b, "%s (%s)\n", a.Name, a.Figi)
	}
	fmt.Fprintf(&b, "Price: %s\n", a.CurrentPrice.String())
	fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(what[:1])+what[1:], a.LimitPrice.String())
	fmt.Fprintf(&b, "Distance: %s%%\n", a.DistancePercent.StringFixed(2))
	fmt.Fprintf(&b, "Time: %s", a.EventTime.Format("2006-01-02 15:04:05 MST"))

	return b.String()
}
