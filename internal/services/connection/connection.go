package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
	"tinvest-stream/internal/provider"
)

// Handler receives everything read from a stream. Implementations must not
// block: they run on the stream's read goroutine.
type Handler interface {
	OnResponse(resp *provider.Response)
	OnMalformed(err error)
	OnStreamError(err error)
	OnStreamClosed()
}

// Manager owns exactly one duplex stream to the provider
type Manager struct {
	name    string
	dialer  Dialer
	limiter *RequestLimiter
	backoff *Backoff
	logger  *logrus.Logger

	mu       sync.Mutex
	handler  Handler
	stream   Stream
	gen      uint64
	observer func(up bool)

	connected   atomic.Bool
	reconnector *Reconnector
}

// NewManager creates a manager. limiter may be nil.
func NewManager(name string, dialer Dialer, limiter *RequestLimiter, backoff *Backoff, logger *logrus.Logger) *Manager {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	return &Manager{
		name:        name,
		dialer:      dialer,
		limiter:     limiter,
		backoff:     backoff,
		logger:      logger,
		reconnector: NewReconnector(name, backoff, logger),
	}
}

// Name identifies the stream in logs and metrics
func (m *Manager) Name() string { return m.name }

// SetHandler binds the response handler used by subsequent connects
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetStateObserver registers fn to be told about up/down transitions
func (m *Manager) SetStateObserver(fn func(up bool)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// IsConnected reports whether a stream is open
func (m *Manager) IsConnected() bool { return m.connected.Load() }

// CurrentBackoff returns the delay the next scheduled reconnect waits
func (m *Manager) CurrentBackoff() time.Duration { return m.backoff.Current() }

// Connect opens the stream and starts its read loop. An already open stream
// is replaced.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return models.NewConnectionError("connect", errors.New("response handler not set"))
	}

	s, err := m.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrRateLimited) && m.limiter != nil {
			m.limiter.RecordRejection()
		}
		return models.NewConnectionError("dial", err)
	}

	m.mu.Lock()
	old := m.stream
	m.stream = s
	m.gen++
	gen := m.gen
	observer := m.observer
	wasUp := m.connected.Swap(true)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.backoff.Reset()
	metrics.ReconnectBackoff.WithLabelValues(m.name).Set(m.backoff.Current().Seconds())

	go m.readLoop(s, gen, h)

	if !wasUp && observer != nil {
		observer(true)
	}
	m.logger.WithField("stream", m.name).Debug("Stream connected")
	return nil
}

// SendRequest writes one request to the open stream, pacing through the
// shared limiter
func (m *Manager) SendRequest(ctx context.Context, req provider.Request) error {
	m.mu.Lock()
	s, gen, h := m.stream, m.gen, m.handler
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%s: %w", m.name, models.ErrNotConnected)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			metrics.ProviderRequests.WithLabelValues(requestKind(req), "throttled").Inc()
			return fmt.Errorf("rate limit wait failed for %s: %w", m.name, err)
		}
	}

	if err := s.Send(ctx, req); err != nil {
		metrics.ProviderRequests.WithLabelValues(requestKind(req), "failed").Inc()
		connErr := models.NewConnectionError("send", err)
		if m.retire(gen) && h != nil {
			go h.OnStreamError(connErr)
		}
		return connErr
	}

	if m.limiter != nil {
		m.limiter.RecordAccepted()
	}
	metrics.ProviderRequests.WithLabelValues(requestKind(req), "sent").Inc()
	return nil
}

// Disconnect half-closes and releases the stream. Idempotent. The read loop
// of a deliberately closed stream does not notify the handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.stream
	m.stream = nil
	m.gen++
	observer := m.observer
	wasUp := m.connected.Swap(false)
	m.mu.Unlock()

	if s == nil {
		return
	}
	_ = s.CloseSend()
	_ = s.Close()

	if wasUp && observer != nil {
		observer(false)
	}
	m.logger.WithField("stream", m.name).Debug("Stream disconnected")
}

// ForceReconnect disconnects and connects again, bypassing backoff
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// ScheduleReconnect runs cb after the current backoff delay, growing the
// delay and retrying until cb succeeds or ctx is cancelled. It does nothing
// when connected or when a reconnect loop is already running.
func (m *Manager) ScheduleReconnect(ctx context.Context, cb ReconnectFunc) {
	if m.IsConnected() {
		return
	}
	m.reconnector.Schedule(ctx, m.IsConnected, cb)
}

// Reconnecting reports whether a reconnect loop is running
func (m *Manager) Reconnecting() bool { return m.reconnector.Active() }

func (m *Manager) readLoop(s Stream, gen uint64, h Handler) {
	for {
		raw, err := s.Recv()
		if err != nil {
			if !m.retire(gen) {
				return
			}
			if errors.Is(err, io.EOF) {
				h.OnStreamClosed()
			} else {
				h.OnStreamError(models.NewConnectionError("recv", err))
			}
			return
		}

		resp, err := provider.Decode(raw)
		if err != nil {
			h.OnMalformed(err)
			continue
		}
		if resp.Kind == provider.KindError && resp.Error.Code == resourceExhausted && m.limiter != nil {
			m.limiter.RecordRejection()
		}
		h.OnResponse(resp)
	}
}

// retire releases the stream of generation gen after a read failure. It
// returns false when the stream was already replaced or deliberately closed.
func (m *Manager) retire(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen || m.stream == nil {
		m.mu.Unlock()
		return false
	}
	s := m.stream
	m.stream = nil
	m.gen++
	observer := m.observer
	wasUp := m.connected.Swap(false)
	m.mu.Unlock()

	_ = s.Close()
	if wasUp && observer != nil {
		observer(false)
	}
	return true
}

func requestKind(req provider.Request) string {
	switch {
	case req.SubscribeLastPriceRequest != nil:
		return string(provider.KindLastPrice)
	case req.SubscribeTradesRequest != nil:
		return string(provider.KindTrades)
	case req.SubscribeCandlesRequest != nil:
		return string(provider.KindCandles)
	default:
		return "control"
	}
}
