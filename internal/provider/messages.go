// Package provider describes the JSON form of the market data duplex stream:
// outbound subscription requests and the multiplexed inbound response union.
package provider

import (
	"fmt"
	"time"
)

// DataKind identifies one of the streamed data types
type DataKind string

const (
	KindLastPrice DataKind = "last_price"
	KindTrades    DataKind = "trades"
	KindCandles   DataKind = "candles"
)

// SubscriptionAction is the subscribe/unsubscribe discriminator
type SubscriptionAction string

const (
	ActionSubscribe   SubscriptionAction = "SUBSCRIPTION_ACTION_SUBSCRIBE"
	ActionUnsubscribe SubscriptionAction = "SUBSCRIPTION_ACTION_UNSUBSCRIBE"
)

// IntervalOneMinute is the candle subscription interval
const IntervalOneMinute = "SUBSCRIPTION_INTERVAL_ONE_MINUTE"

const (
	trackingStatusSuccess = "SUBSCRIPTION_STATUS_SUCCESS"

	tradeDirectionBuy  = "TRADE_DIRECTION_BUY"
	tradeDirectionSell = "TRADE_DIRECTION_SELL"
)

// InstrumentRef addresses one instrument inside a subscription request
type InstrumentRef struct {
	InstrumentID string `json:"instrumentId"`
	Interval     string `json:"interval,omitempty"`
}

// SubscribeLastPriceRequest subscribes to last prices
type SubscribeLastPriceRequest struct {
	SubscriptionAction SubscriptionAction `json:"subscriptionAction"`
	Instruments        []InstrumentRef    `json:"instruments"`
}

// SubscribeTradesRequest subscribes to individual trades
type SubscribeTradesRequest struct {
	SubscriptionAction SubscriptionAction `json:"subscriptionAction"`
	Instruments        []InstrumentRef    `json:"instruments"`
}

// SubscribeCandlesRequest subscribes to candles. With WaitingClose the provider
// only sends candles once their interval is over.
type SubscribeCandlesRequest struct {
	SubscriptionAction SubscriptionAction `json:"subscriptionAction"`
	Instruments        []InstrumentRef    `json:"instruments"`
	WaitingClose       bool               `json:"waitingClose"`
}

// PingSettings asks the provider to send keep-alive pings at the given period
type PingSettings struct {
	PingDelayMs int32 `json:"pingDelayMs"`
}

// Request is the outbound message union. Exactly one field is set.
type Request struct {
	SubscribeLastPriceRequest *SubscribeLastPriceRequest `json:"subscribeLastPriceRequest,omitempty"`
	SubscribeTradesRequest    *SubscribeTradesRequest    `json:"subscribeTradesRequest,omitempty"`
	SubscribeCandlesRequest   *SubscribeCandlesRequest   `json:"subscribeCandlesRequest,omitempty"`
	GetMySubscriptions        *struct{}                  `json:"getMySubscriptions,omitempty"`
	PingSettings              *PingSettings              `json:"pingSettings,omitempty"`
}

// RequestOptions tweak request construction per data kind
type RequestOptions struct {
	WaitingClose bool
}

// NewSubscribeRequest builds a subscribe or unsubscribe request for ids
func NewSubscribeRequest(kind DataKind, action SubscriptionAction, ids []string, opts RequestOptions) Request {
	refs := make([]InstrumentRef, 0, len(ids))
	for _, id := range ids {
		ref := InstrumentRef{InstrumentID: id}
		if kind == KindCandles {
			ref.Interval = IntervalOneMinute
		}
		refs = append(refs, ref)
	}

	switch kind {
	case KindTrades:
		return Request{SubscribeTradesRequest: &SubscribeTradesRequest{SubscriptionAction: action, Instruments: refs}}
	case KindCandles:
		return Request{SubscribeCandlesRequest: &SubscribeCandlesRequest{
			SubscriptionAction: action,
			Instruments:        refs,
			WaitingClose:       opts.WaitingClose,
		}}
	default:
		return Request{SubscribeLastPriceRequest: &SubscribeLastPriceRequest{SubscriptionAction: action, Instruments: refs}}
	}
}

// NewPingSettingsRequest builds a keep-alive configuration request
func NewPingSettingsRequest(every time.Duration) Request {
	return Request{PingSettings: &PingSettings{PingDelayMs: int32(every.Milliseconds())}}
}

// Describe returns a short label for logging
func (r Request) Describe() string {
	switch {
	case r.SubscribeLastPriceRequest != nil:
		return describe("last_price", r.SubscribeLastPriceRequest.SubscriptionAction, len(r.SubscribeLastPriceRequest.Instruments))
	case r.SubscribeTradesRequest != nil:
		return describe("trades", r.SubscribeTradesRequest.SubscriptionAction, len(r.SubscribeTradesRequest.Instruments))
	case r.SubscribeCandlesRequest != nil:
		return describe("candles", r.SubscribeCandlesRequest.SubscriptionAction, len(r.SubscribeCandlesRequest.Instruments))
	case r.GetMySubscriptions != nil:
		return "get_my_subscriptions"
	case r.PingSettings != nil:
		return "ping_settings"
	default:
		return "empty"
	}
}

func describe(kind string, action SubscriptionAction, n int) string {
	verb := "subscribe"
	if action == ActionUnsubscribe {
		verb = "unsubscribe"
	}
	return fmt.Sprintf("%s %s x%d", verb, kind, n)
}
