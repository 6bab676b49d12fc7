package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"tinvest-stream/internal/models"
)

// ResponseKind is the discriminator of the inbound union
type ResponseKind int

const (
	KindUnknown ResponseKind = iota
	KindLastPriceData
	KindTradeData
	KindCandleData
	KindSubscriptionAck
	KindPing
	KindError
)

func (k ResponseKind) String() string {
	switch k {
	case KindLastPriceData:
		return "last_price"
	case KindTradeData:
		return "trade"
	case KindCandleData:
		return "candle"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindPing:
		return "ping"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// LastPrice is a last-price data message
type LastPrice struct {
	Figi          string    `json:"figi"`
	InstrumentUID string    `json:"instrumentUid"`
	Price         Quotation `json:"price"`
	Time          time.Time `json:"time"`
}

// Trade is a single trade data message
type Trade struct {
	Figi          string    `json:"figi"`
	InstrumentUID string    `json:"instrumentUid"`
	Direction     string    `json:"direction"`
	Price         Quotation `json:"price"`
	Quantity      Int64     `json:"quantity"`
	Time          time.Time `json:"time"`
}

// TradeDirection maps the wire direction onto the stored one
func (t Trade) TradeDirection() (models.Direction, bool) {
	switch t.Direction {
	case tradeDirectionBuy:
		return models.DirectionBuy, true
	case tradeDirectionSell:
		return models.DirectionSell, true
	default:
		return "", false
	}
}

// Candle is a candle data message. Time is the candle open time.
type Candle struct {
	Figi          string    `json:"figi"`
	InstrumentUID string    `json:"instrumentUid"`
	Interval      string    `json:"interval"`
	Open          Quotation `json:"open"`
	High          Quotation `json:"high"`
	Low           Quotation `json:"low"`
	Close         Quotation `json:"close"`
	Volume        Int64     `json:"volume"`
	Time          time.Time `json:"time"`
	LastTradeTs   time.Time `json:"lastTradeTs"`
}

// SubscriptionStatus is the per-instrument outcome of a subscription request
type SubscriptionStatus struct {
	Figi          string `json:"figi"`
	InstrumentUID string `json:"instrumentUid"`
	Status        string `json:"subscriptionStatus"`
}

// OK reports whether the instrument subscription succeeded
func (s SubscriptionStatus) OK() bool {
	return s.Status == trackingStatusSuccess
}

// SubscriptionAck acknowledges a subscribe or unsubscribe request
type SubscriptionAck struct {
	Data       DataKind
	TrackingID string
	Statuses   []SubscriptionStatus
}

// Failed returns the statuses that did not succeed
func (a SubscriptionAck) Failed() []SubscriptionStatus {
	var failed []SubscriptionStatus
	for _, s := range a.Statuses {
		if !s.OK() {
			failed = append(failed, s)
		}
	}
	return failed
}

// Ping is a provider keep-alive
type Ping struct {
	Time time.Time `json:"time"`
}

// StreamError is an in-band error sent by the bridge
type StreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream error %d: %s", e.Code, e.Message)
}

// Response is the decoded inbound union. Exactly one payload matches Kind.
type Response struct {
	Kind      ResponseKind
	LastPrice *LastPrice
	Trade     *Trade
	Candle    *Candle
	Ack       *SubscriptionAck
	Ping      *Ping
	Error     *StreamError
}

type ackEnvelope struct {
	TrackingID             string               `json:"trackingId"`
	LastPriceSubscriptions []SubscriptionStatus `json:"lastPriceSubscriptions"`
	TradeSubscriptions     []SubscriptionStatus `json:"tradeSubscriptions"`
	CandlesSubscriptions   []SubscriptionStatus `json:"candlesSubscriptions"`
}

type responseEnvelope struct {
	SubscribeLastPriceResponse *ackEnvelope `json:"subscribeLastPriceResponse"`
	SubscribeTradesResponse    *ackEnvelope `json:"subscribeTradesResponse"`
	SubscribeCandlesResponse   *ackEnvelope `json:"subscribeCandlesResponse"`
	LastPrice                  *LastPrice   `json:"lastPrice"`
	Trade                      *Trade       `json:"trade"`
	Candle                     *Candle      `json:"candle"`
	Ping                       *Ping        `json:"ping"`
}

// gateway bridges wrap each message as {"result": {...}} or {"error": {...}}
type gatewayEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *StreamError    `json:"error"`
}

// Decode parses one inbound frame. Well-formed JSON of an unknown shape
// yields KindUnknown with no error; broken JSON yields a ProcessingError.
func Decode(data []byte) (*Response, error) {
	data = bytes.TrimSpace(data)

	var gw gatewayEnvelope
	if err := json.Unmarshal(data, &gw); err != nil {
		return nil, &models.ProcessingError{Reason: "malformed frame", Err: err}
	}
	if gw.Error != nil {
		return &Response{Kind: KindError, Error: gw.Error}, nil
	}
	if len(gw.Result) > 0 {
		data = gw.Result
	}

	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &models.ProcessingError{Reason: "malformed payload", Err: err}
	}

	switch {
	case env.LastPrice != nil:
		return &Response{Kind: KindLastPriceData, LastPrice: env.LastPrice}, nil
	case env.Trade != nil:
		return &Response{Kind: KindTradeData, Trade: env.Trade}, nil
	case env.Candle != nil:
		return &Response{Kind: KindCandleData, Candle: env.Candle}, nil
	case env.SubscribeLastPriceResponse != nil:
		return ack(KindLastPrice, env.SubscribeLastPriceResponse, env.SubscribeLastPriceResponse.LastPriceSubscriptions), nil
	case env.SubscribeTradesResponse != nil:
		return ack(KindTrades, env.SubscribeTradesResponse, env.SubscribeTradesResponse.TradeSubscriptions), nil
	case env.SubscribeCandlesResponse != nil:
		return ack(KindCandles, env.SubscribeCandlesResponse, env.SubscribeCandlesResponse.CandlesSubscriptions), nil
	case env.Ping != nil:
		return &Response{Kind: KindPing, Ping: env.Ping}, nil
	default:
		return &Response{Kind: KindUnknown}, nil
	}
}

func ack(kind DataKind, env *ackEnvelope, statuses []SubscriptionStatus) *Response {
	return &Response{
		Kind: KindSubscriptionAck,
		Ack:  &SubscriptionAck{Data: kind, TrackingID: env.TrackingID, Statuses: statuses},
	}
}
