package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/provider"
)

// BatchStatus describes one stream of a MultiStreamManager
type BatchStatus struct {
	Index        int    `json:"index"`
	Stream       string `json:"stream"`
	Instruments  int    `json:"instruments"`
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	Subscribed   bool   `json:"subscribed"`
}

// MultiStreamManager owns one Manager per batch. All streams share one
// batch-agnostic handler; a failed stream recovers on its own without
// affecting the others.
type MultiStreamManager struct {
	name    string
	dialer  Dialer
	limiter *RequestLimiter
	handler Handler
	logger  *logrus.Logger

	newBackoff func() *Backoff

	mu            sync.RWMutex
	gen           uint64
	ctx           context.Context
	cancel        context.CancelFunc
	batches       [][]string
	managers      []*Manager
	subscriptions []*provider.Request
	observer      func(connected, total int)
}

func NewMultiStreamManager(name string, dialer Dialer, limiter *RequestLimiter, handler Handler, logger *logrus.Logger) *MultiStreamManager {
	return &MultiStreamManager{
		name:    name,
		dialer:  dialer,
		limiter: limiter,
		handler: handler,
		logger:  logger,

		newBackoff: DefaultBackoff,
	}
}

// SetBackoff sets the policy factory for streams created by later Configure calls
func (ms *MultiStreamManager) SetBackoff(fn func() *Backoff) {
	ms.mu.Lock()
	ms.newBackoff = fn
	ms.mu.Unlock()
}

// SetObserver registers fn to be called with the connected stream count after
// every stream transition
func (ms *MultiStreamManager) SetObserver(fn func(connected, total int)) {
	ms.mu.Lock()
	ms.observer = fn
	ms.mu.Unlock()
}

// Configure replaces the stream set with one manager per batch. Streams of
// the previous configuration are closed and their reconnect loops cancelled.
// Recovery loops of the new set stop when runCtx is done. A runCtx that is
// already done leaves the current set untouched and returns its error.
func (ms *MultiStreamManager) Configure(runCtx context.Context, batches [][]string) error {
	ms.mu.Lock()
	if err := runCtx.Err(); err != nil {
		ms.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(runCtx)
	oldCancel, oldManagers := ms.cancel, ms.managers
	ms.gen++
	gen := ms.gen
	ms.ctx, ms.cancel = ctx, cancel
	ms.batches = batches
	ms.managers = make([]*Manager, len(batches))
	ms.subscriptions = make([]*provider.Request, len(batches))
	for i := range batches {
		m := NewManager(fmt.Sprintf("%s#%d", ms.name, i), ms.dialer, ms.limiter, ms.newBackoff(), ms.logger)
		m.SetHandler(&batchHandler{ms: ms, gen: gen, index: i})
		m.SetStateObserver(func(bool) { ms.notify(gen) })
		ms.managers[i] = m
	}
	ms.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	for _, m := range oldManagers {
		m.Disconnect()
	}
	metrics.StreamConnections.WithLabelValues(ms.name).Set(0)
	return nil
}

// BatchCount returns the number of configured streams
func (ms *MultiStreamManager) BatchCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.managers)
}

// Batches returns the configured instrument batches
func (ms *MultiStreamManager) Batches() [][]string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.batches
}

// ConnectAll connects every stream concurrently. Failed streams are retried
// independently with backoff as long as at least one stream connected; if
// none did, the combined error is returned and nothing is scheduled.
func (ms *MultiStreamManager) ConnectAll(ctx context.Context) error {
	managers := ms.snapshot()
	if len(managers) == 0 {
		return nil
	}

	errs := make([]error, len(managers))
	var g errgroup.Group
	for i, m := range managers {
		g.Go(func() error {
			errs[i] = m.Connect(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var failed []int
	for i, err := range errs {
		if err != nil {
			failed = append(failed, i)
		}
	}

	if len(failed) == len(managers) {
		return fmt.Errorf("%s: all %d streams failed to connect: %w", ms.name, len(managers), errors.Join(errs...))
	}

	for _, i := range failed {
		ms.logger.WithError(errs[i]).WithFields(logrus.Fields{
			"stream": managers[i].Name(),
			"batch":  i,
		}).Warn("Stream failed to connect, retrying in background")
		ms.recover(i)
	}
	return nil
}

// SendBatchSubscription waits delay, then sends req on stream i. Subscribe
// requests are remembered so a recovered stream subscribes again; an
// unsubscribe clears the record.
func (ms *MultiStreamManager) SendBatchSubscription(ctx context.Context, i int, req provider.Request, delay time.Duration) error {
	ms.mu.Lock()
	if i < 0 || i >= len(ms.managers) {
		ms.mu.Unlock()
		return fmt.Errorf("%s: batch %d out of range", ms.name, i)
	}
	m := ms.managers[i]
	switch action(req) {
	case provider.ActionSubscribe:
		r := req
		ms.subscriptions[i] = &r
	case provider.ActionUnsubscribe:
		ms.subscriptions[i] = nil
	}
	ms.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return m.SendRequest(ctx, req)
}

// SendAll sends build(batch) on every stream in order, pausing delay between
// streams. It returns how many sends succeeded and the combined failures.
func (ms *MultiStreamManager) SendAll(ctx context.Context, build func(batch []string) provider.Request, delay time.Duration) (int, error) {
	batches := ms.Batches()

	sent := 0
	var errs []error
	for i, batch := range batches {
		d := delay
		if i == 0 {
			d = 0
		}
		if err := ms.SendBatchSubscription(ctx, i, build(batch), d); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// ForceReconnectAll reconnects every stream without backoff and replays its
// recorded subscription. Streams that fail fall back to background recovery.
func (ms *MultiStreamManager) ForceReconnectAll(ctx context.Context) error {
	managers := ms.snapshot()

	errs := make([]error, len(managers))
	var g errgroup.Group
	for i, m := range managers {
		g.Go(func() error {
			if err := m.ForceReconnect(ctx); err != nil {
				errs[i] = err
				return nil
			}
			if req := ms.subscription(i); req != nil {
				errs[i] = m.SendRequest(ctx, *req)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			ms.recover(i)
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll closes every stream and cancels background recovery
func (ms *MultiStreamManager) DisconnectAll() {
	ms.mu.Lock()
	cancel := ms.cancel
	managers := ms.managers
	ms.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, m := range managers {
		m.Disconnect()
	}
}

// AllConnected reports whether every configured stream is open. An empty
// configuration is not connected.
func (ms *MultiStreamManager) AllConnected() bool {
	managers := ms.snapshot()
	if len(managers) == 0 {
		return false
	}
	for _, m := range managers {
		if !m.IsConnected() {
			return false
		}
	}
	return true
}

// ConnectedCount returns the number of open streams
func (ms *MultiStreamManager) ConnectedCount() int {
	n := 0
	for _, m := range ms.snapshot() {
		if m.IsConnected() {
			n++
		}
	}
	return n
}

// Status describes every stream
func (ms *MultiStreamManager) Status() []BatchStatus {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]BatchStatus, len(ms.managers))
	for i, m := range ms.managers {
		out[i] = BatchStatus{
			Index:        i,
			Stream:       m.Name(),
			Instruments:  len(ms.batches[i]),
			Connected:    m.IsConnected(),
			Reconnecting: m.Reconnecting(),
			Subscribed:   ms.subscriptions[i] != nil,
		}
	}
	return out
}

func (ms *MultiStreamManager) snapshot() []*Manager {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.managers
}

func (ms *MultiStreamManager) subscription(i int) *provider.Request {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if i >= len(ms.subscriptions) {
		return nil
	}
	return ms.subscriptions[i]
}

// recover schedules background reconnection of stream i for the current
// configuration
func (ms *MultiStreamManager) recover(i int) {
	ms.mu.RLock()
	if i >= len(ms.managers) || ms.ctx == nil {
		ms.mu.RUnlock()
		return
	}
	m, ctx := ms.managers[i], ms.ctx
	ms.mu.RUnlock()

	if ctx.Err() != nil {
		return
	}

	m.ScheduleReconnect(ctx, func(ctx context.Context) error {
		if err := m.Connect(ctx); err != nil {
			return err
		}
		if req := ms.subscription(i); req != nil {
			return m.SendRequest(ctx, *req)
		}
		return nil
	})
}

func (ms *MultiStreamManager) notify(gen uint64) {
	ms.mu.RLock()
	if ms.gen != gen {
		ms.mu.RUnlock()
		return
	}
	managers, observer := ms.managers, ms.observer
	ms.mu.RUnlock()

	connected := 0
	for _, m := range managers {
		if m.IsConnected() {
			connected++
		}
	}
	metrics.StreamConnections.WithLabelValues(ms.name).Set(float64(connected))
	if observer != nil {
		observer(connected, len(managers))
	}
}

// batchHandler forwards data to the shared handler and triggers recovery of
// its own stream on failure
type batchHandler struct {
	ms    *MultiStreamManager
	gen   uint64
	index int
}

func (h *batchHandler) current() bool {
	h.ms.mu.RLock()
	defer h.ms.mu.RUnlock()
	return h.ms.gen == h.gen
}

func (h *batchHandler) OnResponse(resp *provider.Response) { h.ms.handler.OnResponse(resp) }

func (h *batchHandler) OnMalformed(err error) { h.ms.handler.OnMalformed(err) }

func (h *batchHandler) OnStreamError(err error) {
	if !h.current() {
		return
	}
	h.ms.handler.OnStreamError(fmt.Errorf("batch %d: %w", h.index, err))
	h.ms.recover(h.index)
}

func (h *batchHandler) OnStreamClosed() {
	if !h.current() {
		return
	}
	h.ms.handler.OnStreamClosed()
	h.ms.recover(h.index)
}

func action(req provider.Request) provider.SubscriptionAction {
	switch {
	case req.SubscribeLastPriceRequest != nil:
		return req.SubscribeLastPriceRequest.SubscriptionAction
	case req.SubscribeTradesRequest != nil:
		return req.SubscribeTradesRequest.SubscriptionAction
	case req.SubscribeCandlesRequest != nil:
		return req.SubscribeCandlesRequest.SubscriptionAction
	default:
		return ""
	}
}

var _ Handler = (*batchHandler)(nil)
