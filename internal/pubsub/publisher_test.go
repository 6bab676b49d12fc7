package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
)

type published struct {
	channel string
	data    []byte
}

type fakeClient struct {
	msgs []published
	err  error
}

func (f *fakeClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.msgs = append(f.msgs, published{channel: channel, data: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func TestPublisher_PublishAlert(t *testing.T) {
	client := &fakeClient{}
	logger, _ := logtest.NewNullLogger()
	p := NewPublisher(client, "", "", logger)

	alert := models.LimitAlert{
		Figi:            "X",
		Ticker:          "XTKR",
		EventTime:       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		CurrentPrice:    decimal.NewFromInt(110),
		Kind:            models.BoundExchangeLimit,
		LimitType:       models.LimitUp,
		LimitPrice:      decimal.NewFromInt(110),
		DistancePercent: decimal.Zero,
		Reached:         true,
	}
	before := testutil.ToFloat64(metrics.PublishSuccess.WithLabelValues("alert"))
	require.NoError(t, p.PublishAlert(context.Background(), alert))

	require.Len(t, client.msgs, 1)
	assert.Equal(t, DefaultAlertChannel, client.msgs[0].channel)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(client.msgs[0].data, &msg))
	assert.Equal(t, "X", msg["figi"])
	assert.Equal(t, true, msg["reached"])
	assert.Contains(t, msg["text"], "XTKR REACHED upper limit")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PublishSuccess.WithLabelValues("alert")))
}

func latencySamples(t *testing.T, channelType string) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.PublishLatency.WithLabelValues(channelType).(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestPublisher_PublishCandle(t *testing.T) {
	client := &fakeClient{}
	logger, _ := logtest.NewNullLogger()
	p := NewPublisher(client, "alerts", "md", logger)

	before := latencySamples(t, "candle")
	require.NoError(t, p.PublishCandle(context.Background(), models.Candle{Figi: "X", Close: decimal.NewFromInt(5)}))
	require.Len(t, client.msgs, 1)
	assert.Equal(t, "md:candle:X", client.msgs[0].channel)
	assert.Contains(t, string(client.msgs[0].data), `"close":"5"`)
	assert.Equal(t, before+1, latencySamples(t, "candle"))
}

func TestPublisher_Failure(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	logger, _ := logtest.NewNullLogger()
	p := NewPublisher(client, "", "", logger)

	before := testutil.ToFloat64(metrics.PublishFailures.WithLabelValues("alert"))
	assert.Error(t, p.PublishAlert(context.Background(), models.LimitAlert{Figi: "X"}))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PublishFailures.WithLabelValues("alert")))
}
