// Package streaming composes the connection layer with one processor per
// data kind and exposes a uniform lifecycle over the resulting services.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
	"tinvest-stream/internal/provider"
	"tinvest-stream/internal/services/connection"
)

// State is the lifecycle state of a service
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	errBusy          = errors.New("lifecycle transition in progress")
	errNoIntent      = errors.New("service stopped during start")
	errNoInstruments = errors.New("no instruments to subscribe")
)

// EventProcessor persists one decoded event. See processor.Processor.
type EventProcessor[E any] interface {
	Process(ev E, done func(error)) error
	Drain(ctx context.Context) error
}

// InstrumentResolver returns the FIGIs to subscribe
type InstrumentResolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// Deps are shared by every service of the process
type Deps struct {
	Dialer  connection.Dialer
	Limiter *connection.RequestLimiter
	Logger  *logrus.Logger

	BatchSize int
	// SubscribeDelay spaces batch subscriptions under the provider request ceiling
	SubscribeDelay time.Duration
	Backoff        func() *connection.Backoff
}

// Config describes one service
type Config[E any] struct {
	Name           string
	Kind           provider.DataKind
	RequestOptions provider.RequestOptions
	Extract        func(*provider.Response) (E, bool)
	Instruments    InstrumentResolver
	Processor      EventProcessor[E]
}

// ServiceStatus is the control-surface view of a service
type ServiceStatus struct {
	Name        string                   `json:"name"`
	State       State                    `json:"state"`
	Running     bool                     `json:"running"`
	Connected   bool                     `json:"connected"`
	Instruments int                      `json:"instruments"`
	Streams     []connection.BatchStatus `json:"streams"`
	Metrics     MetricsSnapshot          `json:"metrics"`
}

// Service streams one data kind for a resolved instrument set through as
// many provider streams as the set needs
type Service[E any] struct {
	cfg     Config[E]
	deps    Deps
	logger  *logrus.Entry
	metrics *StreamingMetrics
	streams *connection.MultiStreamManager
	retry   *connection.Reconnector

	state     atomic.Int32
	connected atomic.Bool
	stopping  atomic.Bool

	mu          sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	instruments []string

	// streamsMu serialises changes to the stream set; streamsRun is the run
	// that configured the current set
	streamsMu  sync.Mutex
	streamsRun context.Context
}

func NewService[E any](cfg Config[E], deps Deps) *Service[E] {
	if deps.BatchSize == 0 {
		deps.BatchSize = connection.StreamBatchSize
	}
	if deps.Backoff == nil {
		deps.Backoff = connection.DefaultBackoff
	}

	s := &Service[E]{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.WithField("service", cfg.Name),
		metrics: NewStreamingMetrics(cfg.Name),
		retry:   connection.NewReconnector(cfg.Name+"/start", deps.Backoff(), deps.Logger),
	}
	s.streams = connection.NewMultiStreamManager(cfg.Name, deps.Dialer, deps.Limiter, &streamHandler[E]{s: s}, deps.Logger)
	s.streams.SetBackoff(deps.Backoff)
	s.streams.SetObserver(s.onStreams)
	s.setState(StateStopped)
	return s
}

func (s *Service[E]) Name() string { return s.cfg.Name }

func (s *Service[E]) State() State { return State(s.state.Load()) }

// IsRunning reports whether events are being admitted
func (s *Service[E]) IsRunning() bool {
	st := s.State()
	return st == StateRunning || st == StateReconnecting
}

// IsConnected reports whether every stream is open
func (s *Service[E]) IsConnected() bool { return s.connected.Load() }

func (s *Service[E]) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }

func (s *Service[E]) Status() ServiceStatus {
	s.mu.Lock()
	n := len(s.instruments)
	s.mu.Unlock()

	return ServiceStatus{
		Name:        s.cfg.Name,
		State:       s.State(),
		Running:     s.IsRunning(),
		Connected:   s.IsConnected(),
		Instruments: n,
		Streams:     s.streams.Status(),
		Metrics:     s.metrics.Snapshot(),
	}
}

// Drain waits for admitted persistence work
func (s *Service[E]) Drain(ctx context.Context) error {
	return s.cfg.Processor.Drain(ctx)
}

// Start resolves instruments, connects and subscribes. It is a no-op while
// the service is already starting or running. Failures other than invalid
// configuration leave the service stopped with a retry scheduled; Stop
// cancels the retry.
func (s *Service[E]) Start(ctx context.Context) error {
	runCtx := s.intent()
	return s.settle(runCtx, s.attemptStart(ctx, runCtx, StateStopped, nil))
}

// Stop unsubscribes best-effort, closes every stream and cancels pending
// retries. Only one stop runs at a time; admitted persistence continues.
func (s *Service[E]) Stop(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		s.logger.Debug("Stop already in progress")
		return nil
	}
	defer s.stopping.Store(false)

	s.mu.Lock()
	runCtx, cancel := s.runCtx, s.cancel
	s.runCtx, s.cancel = nil, nil
	s.instruments = nil
	wasRunning := s.IsRunning()
	s.setState(StateStopped)
	s.connected.Store(false)
	s.mu.Unlock()

	if cancel == nil {
		s.logger.Debug("Service already stopped")
		return nil
	}
	cancel()

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streamsRun != runCtx {
		// the stream set belongs to no run or a later one
		s.logger.Info("Streaming service stopped")
		return nil
	}
	s.streamsRun = nil

	if wasRunning && s.streams.ConnectedCount() > 0 {
		build := func(batch []string) provider.Request {
			return provider.NewSubscribeRequest(s.cfg.Kind, provider.ActionUnsubscribe, batch, s.cfg.RequestOptions)
		}
		if _, err := s.streams.SendAll(ctx, build, 0); err != nil {
			s.logger.WithError(err).Warn("Unsubscribe failed during stop")
		}
	}
	s.streams.DisconnectAll()

	s.logger.Info("Streaming service stopped")
	return nil
}

// Reconnect force-reconnects every stream when the instrument set is
// unchanged and runs the start path otherwise. When instruments cannot be
// resolved the current set is kept. A stopped service is started.
func (s *Service[E]) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	runCtx, current := s.runCtx, s.instruments
	s.mu.Unlock()

	if runCtx == nil {
		return s.Start(ctx)
	}

	switch s.State() {
	case StateStopped:
		// a start retry is pending: attempt now
		return s.settle(runCtx, s.attemptStart(ctx, runCtx, StateStopped, nil))
	case StateStarting:
		return nil
	}
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateReconnecting)) {
		s.observeState(StateReconnecting)
	} else if s.State() != StateReconnecting {
		return nil
	}

	ctx, release := bindRun(ctx, runCtx)
	defer release()

	ids, err := s.resolve(ctx)
	switch {
	case err != nil:
		s.logger.WithError(err).Warn("Instrument resolution failed, reconnecting current subscriptions")
		s.forceReconnect(ctx, runCtx)
		return nil
	case slices.Equal(ids, current):
		s.forceReconnect(ctx, runCtx)
		return nil
	}

	s.logger.WithField("instruments", len(ids)).Info("Instrument set changed, resubscribing")
	return s.settle(runCtx, s.attemptStart(ctx, runCtx, StateReconnecting, ids))
}

// forceReconnect reopens the streams of runCtx and replays their
// subscriptions. The service returns to running once every stream is open.
func (s *Service[E]) forceReconnect(ctx context.Context, runCtx context.Context) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if !s.owns(runCtx) || s.streamsRun != runCtx {
		return
	}

	s.logger.Info("Force reconnecting streams")
	if err := s.streams.ForceReconnectAll(ctx); err != nil {
		s.logger.WithError(err).Warn("Some streams failed to reconnect, recovering in background")
	}
	all := s.streams.AllConnected()
	s.connected.Store(all)
	if all && s.state.CompareAndSwap(int32(StateReconnecting), int32(StateRunning)) {
		s.observeState(StateRunning)
	}
}

// intent returns the run context, creating it when the service has none
func (s *Service[E]) intent() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		s.runCtx, s.cancel = context.WithCancel(context.Background())
	}
	return s.runCtx
}

// owns reports whether runCtx is still the live run of the service
func (s *Service[E]) owns(runCtx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx == runCtx && runCtx.Err() == nil
}

// bindRun returns a child of ctx that is also cancelled when runCtx is done
func bindRun(ctx, runCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// settle turns the result of a start attempt into the public contract
func (s *Service[E]) settle(runCtx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBusy):
		s.logger.Debug("Service already running")
		return nil
	case errors.Is(err, errNoIntent):
		return nil
	case errors.Is(err, models.ErrInvalidConfiguration):
		s.mu.Lock()
		if s.runCtx == runCtx {
			s.cancel()
			s.runCtx, s.cancel = nil, nil
		}
		s.mu.Unlock()
		return err
	}

	s.logger.WithError(err).Warn("Start failed, retrying in background")
	s.retry.Schedule(runCtx, s.IsRunning, func(ctx context.Context) error {
		return s.attemptStart(ctx, runCtx, StateStopped, nil)
	})
	return nil
}

// attemptStart moves the service from state from to running for runCtx.
// Instruments are resolved unless ids is given. An attempt whose run was
// stopped meanwhile returns errNoIntent without touching state or streams.
func (s *Service[E]) attemptStart(ctx context.Context, runCtx context.Context, from State, ids []string) error {
	if !s.state.CompareAndSwap(int32(from), int32(StateStarting)) {
		return errBusy
	}
	s.observeState(StateStarting)

	ctx, release := bindRun(ctx, runCtx)
	defer release()

	var err error
	if ids == nil {
		ids, err = s.resolve(ctx)
	}
	if err == nil {
		err = s.subscribe(ctx, runCtx, ids)
	}

	s.mu.Lock()
	if s.runCtx != runCtx || runCtx.Err() != nil {
		s.mu.Unlock()
		return errNoIntent
	}
	if err != nil {
		s.setState(StateStopped)
		s.mu.Unlock()
		return err
	}
	s.instruments = ids
	s.setState(StateRunning)
	s.connected.Store(s.streams.AllConnected())
	s.mu.Unlock()

	s.metrics.MarkStarted(time.Now())
	s.logger.WithFields(logrus.Fields{
		"instruments": len(ids),
		"streams":     s.streams.BatchCount(),
	}).Info("Streaming service started")
	return nil
}

func (s *Service[E]) resolve(ctx context.Context) ([]string, error) {
	ids, err := s.cfg.Instruments.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errNoInstruments
	}
	return ids, nil
}

// subscribe connects one stream per batch of ids and subscribes every
// stream. The stream set is replaced only while runCtx is the live run.
func (s *Service[E]) subscribe(ctx context.Context, runCtx context.Context, ids []string) error {
	batches, err := connection.CreateBatches(ids, s.deps.BatchSize)
	if err != nil {
		return err
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if !s.owns(runCtx) {
		return errNoIntent
	}
	if err := s.streams.Configure(runCtx, batches); err != nil {
		return errNoIntent
	}
	s.streamsRun = runCtx

	if err := s.streams.ConnectAll(ctx); err != nil {
		return err
	}

	build := func(batch []string) provider.Request {
		return provider.NewSubscribeRequest(s.cfg.Kind, provider.ActionSubscribe, batch, s.cfg.RequestOptions)
	}
	sent, err := s.streams.SendAll(ctx, build, s.deps.SubscribeDelay)
	if sent == 0 {
		s.streams.DisconnectAll()
		if err == nil {
			err = errors.New("no stream accepted the subscription")
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	if err != nil {
		s.logger.WithError(err).Warn("Some batches failed to subscribe, recovering in background")
	}
	return nil
}

// onStreams tracks stream transitions for the running service
func (s *Service[E]) onStreams(connected, total int) {
	all := total > 0 && connected == total
	if !s.IsRunning() {
		return
	}
	s.connected.Store(all)

	if !all && s.state.CompareAndSwap(int32(StateRunning), int32(StateReconnecting)) {
		s.observeState(StateReconnecting)
		s.logger.WithFields(logrus.Fields{
			"connected": connected,
			"total":     total,
		}).Warn("Stream lost, reconnecting")
		return
	}
	if all && s.state.CompareAndSwap(int32(StateReconnecting), int32(StateRunning)) {
		s.observeState(StateRunning)
		s.logger.Info("All streams connected")
	}
}

func (s *Service[E]) setState(st State) {
	s.state.Store(int32(st))
	s.observeState(st)
}

// observeState mirrors st to the state gauge after a successful swap
func (s *Service[E]) observeState(st State) {
	metrics.ServiceState.WithLabelValues(s.cfg.Name).Set(float64(st))
}

// streamHandler receives the responses of every stream of the service
type streamHandler[E any] struct {
	s *Service[E]
}

func (h *streamHandler[E]) OnResponse(resp *provider.Response) {
	s := h.s
	switch resp.Kind {
	case provider.KindPing:
		return
	case provider.KindSubscriptionAck:
		h.onAck(resp.Ack)
		return
	case provider.KindError:
		s.logger.WithError(resp.Error).Warn("Provider reported a stream error")
		return
	}

	s.metrics.RecordReceived()
	ev, ok := s.cfg.Extract(resp)
	if !ok {
		s.metrics.RecordDropped()
		s.logger.WithField("kind", resp.Kind.String()).Debug("Dropping unexpected response")
		return
	}
	if !s.IsRunning() {
		s.metrics.RecordDropped()
		return
	}

	err := s.cfg.Processor.Process(ev, func(err error) {
		if err != nil {
			s.metrics.RecordError()
			return
		}
		s.metrics.RecordProcessed()
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrBackpressure):
		s.metrics.RecordDropped()
		s.logger.Debug("Processor saturated, event dropped")
	default:
		s.metrics.RecordDropped()
		s.logger.WithError(err).Warn("Dropping malformed event")
	}
}

func (h *streamHandler[E]) onAck(ack *provider.SubscriptionAck) {
	failed := ack.Failed()
	for _, st := range failed {
		metrics.SubscriptionFailures.WithLabelValues(string(ack.Data), st.Status).Inc()
	}
	log := h.s.logger.WithFields(logrus.Fields{
		"tracking_id": ack.TrackingID,
		"statuses":    len(ack.Statuses),
	})
	if len(failed) > 0 {
		log.WithFields(logrus.Fields{
			"failed":      len(failed),
			"first_figi":  failed[0].Figi,
			"first_error": failed[0].Status,
		}).Warn("Subscription partially rejected")
		return
	}
	log.Debug("Subscription acknowledged")
}

func (h *streamHandler[E]) OnMalformed(err error) {
	h.s.metrics.RecordReceived()
	h.s.metrics.RecordDropped()
	h.s.logger.WithError(err).Debug("Dropping malformed frame")
}

func (h *streamHandler[E]) OnStreamError(err error) {
	h.s.logger.WithError(err).Warn("Stream failed")
}

func (h *streamHandler[E]) OnStreamClosed() {
	h.s.logger.Info("Stream closed by provider")
}

var _ connection.Handler = (*streamHandler[provider.LastPrice])(nil)
