package streaming

import (
	"tinvest-stream/internal/provider"
)

const (
	LastPriceServiceName    = "last_price"
	TradeServiceName        = "trades"
	MinuteCandleServiceName = "minute_candles"
	LimitMonitorServiceName = "limit_monitor"
)

type (
	LastPriceStreamingService       = Service[provider.LastPrice]
	TradeStreamingService           = Service[provider.Trade]
	MinuteCandleStreamingService    = Service[provider.Candle]
	LimitMonitoringStreamingService = Service[provider.LastPrice]
)

func extractLastPrice(r *provider.Response) (provider.LastPrice, bool) {
	if r.Kind != provider.KindLastPriceData || r.LastPrice == nil {
		return provider.LastPrice{}, false
	}
	return *r.LastPrice, true
}

func extractTrade(r *provider.Response) (provider.Trade, bool) {
	if r.Kind != provider.KindTradeData || r.Trade == nil {
		return provider.Trade{}, false
	}
	return *r.Trade, true
}

func extractCandle(r *provider.Response) (provider.Candle, bool) {
	if r.Kind != provider.KindCandleData || r.Candle == nil {
		return provider.Candle{}, false
	}
	return *r.Candle, true
}

// NewLastPriceStreamingService persists last prices of the resolved instruments
func NewLastPriceStreamingService(deps Deps, instruments InstrumentResolver, proc EventProcessor[provider.LastPrice]) *LastPriceStreamingService {
	return NewService(Config[provider.LastPrice]{
		Name:        LastPriceServiceName,
		Kind:        provider.KindLastPrice,
		Extract:     extractLastPrice,
		Instruments: instruments,
		Processor:   proc,
	}, deps)
}

// NewTradeStreamingService persists individual trades
func NewTradeStreamingService(deps Deps, instruments InstrumentResolver, proc EventProcessor[provider.Trade]) *TradeStreamingService {
	return NewService(Config[provider.Trade]{
		Name:        TradeServiceName,
		Kind:        provider.KindTrades,
		Extract:     extractTrade,
		Instruments: instruments,
		Processor:   proc,
	}, deps)
}

// NewMinuteCandleStreamingService persists one-minute candles. With
// waitingClose the provider only sends closed candles.
func NewMinuteCandleStreamingService(deps Deps, instruments InstrumentResolver, proc EventProcessor[provider.Candle], waitingClose bool) *MinuteCandleStreamingService {
	return NewService(Config[provider.Candle]{
		Name:           MinuteCandleServiceName,
		Kind:           provider.KindCandles,
		RequestOptions: provider.RequestOptions{WaitingClose: waitingClose},
		Extract:        extractCandle,
		Instruments:    instruments,
		Processor:      proc,
	}, deps)
}

// NewLimitMonitoringStreamingService streams last prices of instruments with
// cached bounds into the limit monitor
func NewLimitMonitoringStreamingService(deps Deps, instruments InstrumentResolver, proc EventProcessor[provider.LastPrice]) *LimitMonitoringStreamingService {
	return NewService(Config[provider.LastPrice]{
		Name:        LimitMonitorServiceName,
		Kind:        provider.KindLastPrice,
		Extract:     extractLastPrice,
		Instruments: instruments,
		Processor:   proc,
	}, deps)
}
