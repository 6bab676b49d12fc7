package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
)

const (
	DefaultAlertChannel  = "tinvest:alerts"
	DefaultChannelPrefix = "tinvest:market"
)

// PublishClient is the subset of the redis client the publisher uses
type PublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// AlertMessage is what the chat bot consumes: the alert plus its rendered text
type AlertMessage struct {
	models.LimitAlert
	Text string `json:"text"`
}

type Publisher struct {
	client        PublishClient
	alertChannel  string
	channelPrefix string
	logger        *logrus.Logger
}

func NewPublisher(client PublishClient, alertChannel, channelPrefix string, logger *logrus.Logger) *Publisher {
	if alertChannel == "" {
		alertChannel = DefaultAlertChannel
	}
	if channelPrefix == "" {
		channelPrefix = DefaultChannelPrefix
	}
	return &Publisher{
		client:        client,
		alertChannel:  alertChannel,
		channelPrefix: channelPrefix,
		logger:        logger,
	}
}

// PublishAlert delivers a limit alert to the notification channel
func (p *Publisher) PublishAlert(ctx context.Context, alert models.LimitAlert) error {
	return p.publish(ctx, "alert", p.alertChannel, AlertMessage{LimitAlert: alert, Text: alert.Text()})
}

// PublishCandle publishes a stored candle to its per-instrument channel
func (p *Publisher) PublishCandle(ctx context.Context, candle models.Candle) error {
	return p.publish(ctx, "candle", p.CandleChannel(candle.Figi), candle.ToResponse())
}

func (p *Publisher) CandleChannel(figi string) string {
	return p.channelPrefix + ":candle:" + figi
}

func (p *Publisher) publish(ctx context.Context, channelType, channel string, payload any) error {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues(channelType))

	data, err := json.Marshal(payload)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(channelType).Inc()
		return err
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues(channelType).Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues(channelType).Inc()
	return nil
}
