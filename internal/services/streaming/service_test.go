package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
	"tinvest-stream/internal/provider"
	"tinvest-stream/internal/services/connection"
	"tinvest-stream/internal/services/connection/connectiontest"
)

const lastPriceFrame = `{"lastPrice":{"figi":"A","price":{"units":"110","nano":0},"time":"2024-03-01T07:00:00Z"}}`

func quietLogger() *logrus.Logger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

func fastBackoff() *connection.Backoff {
	return connection.NewBackoff(5*time.Millisecond, 40*time.Millisecond, 1.5)
}

type fakeProcessor[E any] struct {
	mu     sync.Mutex
	events []E
	admit  error
	result error
}

func (p *fakeProcessor[E]) Process(ev E, done func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.admit != nil {
		return p.admit
	}
	p.events = append(p.events, ev)
	go done(p.result)
	return nil
}

func (p *fakeProcessor[E]) Drain(context.Context) error { return nil }

func (p *fakeProcessor[E]) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeResolver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *fakeResolver) Resolve(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), r.err
}

func (r *fakeResolver) set(ids ...string) {
	r.mu.Lock()
	r.ids = ids
	r.mu.Unlock()
}

func (r *fakeResolver) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// gatedResolver blocks its first call until release is closed
type gatedResolver struct {
	ids     []string
	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedResolver(ids ...string) *gatedResolver {
	r := &gatedResolver{ids: ids, entered: make(chan struct{}), release: make(chan struct{})}
	r.gated.Store(true)
	return r
}

func (r *gatedResolver) Resolve(context.Context) ([]string, error) {
	if r.gated.CompareAndSwap(true, false) {
		close(r.entered)
		<-r.release
	}
	return append([]string(nil), r.ids...), nil
}

type harness struct {
	dialer   *connectiontest.Dialer
	resolver *fakeResolver
	proc     *fakeProcessor[provider.LastPrice]
	svc      *LastPriceStreamingService
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	h := &harness{
		dialer:   connectiontest.NewDialer(),
		resolver: &fakeResolver{ids: ids},
		proc:     &fakeProcessor[provider.LastPrice]{},
	}
	h.svc = NewLastPriceStreamingService(Deps{
		Dialer:    h.dialer,
		Logger:    quietLogger(),
		BatchSize: 2,
		Backoff:   fastBackoff,
	}, h.resolver, h.proc)
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
	return h
}

func TestService_StartSubscribesEveryBatch(t *testing.T) {
	h := newHarness(t, "A", "B", "C", "D", "E")
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx))
	assert.Equal(t, StateRunning, h.svc.State())
	assert.True(t, h.svc.IsRunning())
	assert.True(t, h.svc.IsConnected())

	streams := h.dialer.Streams()
	require.Len(t, streams, 3)
	var subscribed []string
	for _, s := range streams {
		sent := s.Sent()
		require.Len(t, sent, 1)
		req := sent[0].SubscribeLastPriceRequest
		require.NotNil(t, req)
		assert.Equal(t, provider.ActionSubscribe, req.SubscriptionAction)
		for _, ref := range req.Instruments {
			subscribed = append(subscribed, ref.InstrumentID)
		}
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, subscribed)

	status := h.svc.Status()
	assert.Equal(t, 5, status.Instruments)
	assert.Len(t, status.Streams, 3)

	// a second start is a no-op
	require.NoError(t, h.svc.Start(ctx))
	assert.Equal(t, 3, h.dialer.Attempts())
}

func TestService_EventAccounting(t *testing.T) {
	h := newHarness(t, "A")
	require.NoError(t, h.svc.Start(context.Background()))
	s := h.dialer.Last()

	s.Push(lastPriceFrame)
	s.Push(`{"trade":{"figi":"A","direction":"TRADE_DIRECTION_BUY"}}`)
	s.Push(`{"somethingNew":{}}`)
	s.Push(`{"lastPrice":`)
	s.Push(`{"ping":{}}`)
	s.Push(`{"subscribeLastPriceResponse":{"trackingId":"t","lastPriceSubscriptions":[{"figi":"A","subscriptionStatus":"SUBSCRIPTION_STATUS_INSTRUMENT_NOT_FOUND"}]}}`)

	assert.Eventually(t, func() bool {
		m := h.svc.Metrics()
		return m.Received == 4 && m.Processed == 1 && m.Dropped == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.proc.count())
}

func TestService_BackpressureAndPersistenceFailures(t *testing.T) {
	h := newHarness(t, "A")
	require.NoError(t, h.svc.Start(context.Background()))
	s := h.dialer.Last()

	h.proc.mu.Lock()
	h.proc.result = errors.New("db down")
	h.proc.mu.Unlock()
	s.Push(lastPriceFrame)
	assert.Eventually(t, func() bool { return h.svc.Metrics().Errors == 1 }, time.Second, 5*time.Millisecond)

	h.proc.mu.Lock()
	h.proc.admit = models.ErrBackpressure
	h.proc.mu.Unlock()
	s.Push(lastPriceFrame)
	s.Push(lastPriceFrame)
	assert.Eventually(t, func() bool { return h.svc.Metrics().Dropped == 2 }, time.Second, 5*time.Millisecond)

	m := h.svc.Metrics()
	assert.Equal(t, int64(3), m.Received)
	assert.Zero(t, m.Processed)
	assert.InDelta(t, 2.0/3.0, m.DropRate, 1e-9)
}

func TestService_StartFailureRetriesInBackground(t *testing.T) {
	h := newHarness(t, "A")
	h.dialer.FailNext(3)

	require.NoError(t, h.svc.Start(context.Background()), "transport failures are not surfaced")
	assert.Equal(t, StateStopped, h.svc.State())

	assert.Eventually(t, h.svc.IsRunning, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.svc.IsConnected())
	require.NotNil(t, h.dialer.Last())
	assert.Eventually(t, func() bool { return len(h.dialer.Last().Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestService_StopCancelsStartRetry(t *testing.T) {
	h := newHarness(t, "A")
	h.dialer.Refuse(true)

	require.NoError(t, h.svc.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.dialer.Attempts() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Stop(context.Background()))
	time.Sleep(60 * time.Millisecond)
	attempts := h.dialer.Attempts()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, attempts, h.dialer.Attempts())
	assert.Equal(t, StateStopped, h.svc.State())
}

func TestService_StopUnsubscribesAndDisconnects(t *testing.T) {
	h := newHarness(t, "A", "B", "C")
	require.NoError(t, h.svc.Start(context.Background()))

	require.NoError(t, h.svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.svc.State())
	assert.False(t, h.svc.IsConnected())

	for _, s := range h.dialer.Streams() {
		sent := s.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, provider.ActionUnsubscribe, sent[1].SubscribeLastPriceRequest.SubscriptionAction)
		assert.True(t, s.IsClosed())
	}
	assert.Zero(t, h.svc.Status().Instruments)

	// stopping again is harmless
	require.NoError(t, h.svc.Stop(context.Background()))
}

func TestService_StreamLossRecovers(t *testing.T) {
	h := newHarness(t, "A", "B", "C")
	require.NoError(t, h.svc.Start(context.Background()))
	first := h.dialer.Streams()[0]

	first.Break()
	assert.Eventually(t, func() bool { return len(h.dialer.Streams()) == 3 }, time.Second, time.Millisecond)

	assert.Eventually(t, func() bool {
		return h.svc.State() == StateRunning && h.svc.IsConnected() && len(h.dialer.Streams()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	recovered := h.dialer.Last()
	assert.NotSame(t, first, recovered)
	assert.Eventually(t, func() bool { return len(recovered.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "A", recovered.Sent()[0].SubscribeLastPriceRequest.Instruments[0].InstrumentID)
}

func TestService_Reconnect(t *testing.T) {
	t.Run("same instruments force reconnects", func(t *testing.T) {
		h := newHarness(t, "A", "B")
		require.NoError(t, h.svc.Start(context.Background()))
		require.Len(t, h.dialer.Streams(), 1)

		require.NoError(t, h.svc.Reconnect(context.Background()))
		streams := h.dialer.Streams()
		require.Len(t, streams, 2)
		assert.True(t, streams[0].IsClosed())
		assert.Len(t, streams[1].Sent(), 1, "subscription replayed on the new stream")
		assert.Equal(t, StateRunning, h.svc.State())
	})

	t.Run("changed instruments resubscribe", func(t *testing.T) {
		h := newHarness(t, "A", "B")
		require.NoError(t, h.svc.Start(context.Background()))

		h.resolver.set("A", "B", "C")
		require.NoError(t, h.svc.Reconnect(context.Background()))
		assert.Equal(t, StateRunning, h.svc.State())
		assert.Equal(t, 3, h.svc.Status().Instruments)
		assert.Len(t, h.svc.Status().Streams, 2)
	})

	t.Run("stopped service starts", func(t *testing.T) {
		h := newHarness(t, "A")
		require.NoError(t, h.svc.Reconnect(context.Background()))
		assert.True(t, h.svc.IsRunning())
	})
}

func TestService_InvalidBatchSize(t *testing.T) {
	svc := NewLastPriceStreamingService(Deps{
		Dialer:    connectiontest.NewDialer(),
		Logger:    quietLogger(),
		BatchSize: 400,
		Backoff:   fastBackoff,
	}, &fakeResolver{ids: []string{"A"}}, &fakeProcessor[provider.LastPrice]{})

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
	assert.Equal(t, StateStopped, svc.State())
}

func TestService_EventsAfterStopAreNotAdmitted(t *testing.T) {
	h := newHarness(t, "A")
	require.NoError(t, h.svc.Start(context.Background()))
	s := h.dialer.Last()

	var handler connection.Handler = &streamHandler[provider.LastPrice]{s: h.svc}
	require.NoError(t, h.svc.Stop(context.Background()))

	resp, err := provider.Decode([]byte(lastPriceFrame))
	require.NoError(t, err)
	handler.OnResponse(resp)

	assert.Zero(t, h.proc.count())
	assert.Equal(t, int64(1), h.svc.Metrics().Dropped)
	assert.True(t, s.IsClosed())
}

func TestCandleService_WaitingClose(t *testing.T) {
	dialer := connectiontest.NewDialer()
	svc := NewMinuteCandleStreamingService(Deps{Dialer: dialer, Logger: quietLogger(), Backoff: fastBackoff},
		&fakeResolver{ids: []string{"A"}}, &fakeProcessor[provider.Candle]{}, true)
	defer svc.Stop(context.Background())

	require.NoError(t, svc.Start(context.Background()))
	req := dialer.Last().Sent()[0].SubscribeCandlesRequest
	require.NotNil(t, req)
	assert.True(t, req.WaitingClose)
	assert.Equal(t, provider.IntervalOneMinute, req.Instruments[0].Interval)
}

func TestStreamingMetrics_Snapshot(t *testing.T) {
	m := NewStreamingMetrics("test")
	m.MarkStarted(time.Now().Add(-10 * time.Second))
	for range 10 {
		m.RecordReceived()
	}
	for range 8 {
		m.RecordProcessed()
	}
	m.RecordError()
	m.RecordDropped()

	s := m.Snapshot()
	assert.Equal(t, int64(10), s.Received)
	assert.Equal(t, int64(8), s.Processed)
	assert.InDelta(t, 0.8, s.ProcessedPerSecond, 0.05)
	assert.InDelta(t, 0.1, s.ErrorRate, 1e-9)
	assert.InDelta(t, 0.1, s.DropRate, 1e-9)
}

type countingResolver struct{ calls atomic.Int32 }

func (r *countingResolver) Resolve(context.Context) ([]string, error) {
	r.calls.Add(1)
	return nil, nil
}

func TestService_EmptyInstrumentSetRetries(t *testing.T) {
	r := &countingResolver{}
	svc := NewLastPriceStreamingService(Deps{Dialer: connectiontest.NewDialer(), Logger: quietLogger(), Backoff: fastBackoff},
		r, &fakeProcessor[provider.LastPrice]{})

	require.NoError(t, svc.Start(context.Background()))
	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop(context.Background()))
	assert.False(t, svc.IsRunning())
}

func TestService_StartSupersededByStopAndRestart(t *testing.T) {
	dialer := connectiontest.NewDialer()
	r := newGatedResolver("A")
	svc := NewLastPriceStreamingService(Deps{Dialer: dialer, Logger: quietLogger(), Backoff: fastBackoff},
		r, &fakeProcessor[provider.LastPrice]{})
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	ctx := context.Background()
	gauge := func() float64 { return testutil.ToFloat64(metrics.ServiceState.WithLabelValues(svc.Name())) }

	first := make(chan error, 1)
	go func() { first <- svc.Start(ctx) }()
	<-r.entered

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, float64(StateStopped), gauge())

	require.NoError(t, svc.Start(ctx))
	require.Equal(t, StateRunning, svc.State())
	require.Len(t, dialer.Streams(), 1)

	close(r.release)
	require.NoError(t, <-first)
	assert.Equal(t, StateRunning, svc.State())
	assert.Equal(t, float64(StateRunning), gauge())
	assert.Len(t, dialer.Streams(), 1, "superseded start opens no streams")

	live := dialer.Last()
	assert.False(t, live.IsClosed())

	live.Break()
	assert.Eventually(t, func() bool {
		return len(dialer.Streams()) == 2 && svc.State() == StateRunning && svc.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(dialer.Last().Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestService_ReconnectKeepsSubscriptionsWhenResolutionFails(t *testing.T) {
	h := newHarness(t, "A")
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))

	h.resolver.fail(errors.New("catalog unavailable"))
	require.NoError(t, h.svc.Reconnect(ctx))

	assert.Equal(t, StateRunning, h.svc.State())
	assert.True(t, h.svc.IsConnected())
	assert.Equal(t, 1, h.svc.Status().Instruments)

	streams := h.dialer.Streams()
	require.Len(t, streams, 2)
	assert.True(t, streams[0].IsClosed())
	live := streams[1]
	assert.Len(t, live.Sent(), 1, "subscription replayed on the new stream")

	live.Push(lastPriceFrame)
	assert.Eventually(t, func() bool {
		m := h.svc.Metrics()
		return m.Received == 1 && m.Processed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.svc.Metrics().Dropped)
}

func TestService_ConcurrentStopTearsDownOnce(t *testing.T) {
	h := newHarness(t, "A", "B", "C")
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.svc.Stop(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateStopped, h.svc.State())
	for _, s := range h.dialer.Streams() {
		require.Len(t, s.Sent(), 2, "one unsubscribe per stream")
		assert.True(t, s.IsClosed())
	}
}
