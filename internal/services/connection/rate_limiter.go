package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tinvest-stream/internal/metrics"
)

const (
	// DefaultRequestsPerMinute is the provider's ceiling for stream requests
	DefaultRequestsPerMinute = 100
	DefaultRequestBurst      = 20

	firstRejectionPause = time.Second
	quotaWindow         = time.Minute
)

// RequestLimiter paces outbound stream requests across every connection of
// the process. The provider counts requests per minute: a rejection spends
// the local burst and pauses every sender, doubling the pause up to one
// window while rejections keep arriving within a window of each other.
type RequestLimiter struct {
	limiter *rate.Limiter
	burst   int

	mu            sync.Mutex
	requests      int64
	rejections    int64
	lastRejection time.Time
	pause         time.Duration
	pausedUntil   time.Time
}

// NewRequestLimiter allows perMinute requests per minute with the given burst
func NewRequestLimiter(perMinute, burst int) *RequestLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &RequestLimiter{
		limiter: rate.NewLimiter(rate.Every(quotaWindow/time.Duration(perMinute)), burst),
		burst:   burst,
	}
}

// Wait blocks until a request may be sent or ctx is done
func (l *RequestLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	remaining := time.Until(l.pausedUntil)
	l.mu.Unlock()

	if remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordRejection records a provider quota rejection
func (l *RequestLimiter) RecordRejection() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.pause == 0 || now.Sub(l.lastRejection) > quotaWindow:
		l.pause = firstRejectionPause
	default:
		l.pause = min(2*l.pause, quotaWindow)
	}
	l.rejections++
	l.lastRejection = now
	l.pausedUntil = now.Add(l.pause)

	// senders resume at the steady rate, not with a fresh burst
	l.limiter.ReserveN(now, l.burst)
	metrics.ProviderRejections.Inc()
}

// RecordAccepted counts a request written to a stream
func (l *RequestLimiter) RecordAccepted() {
	l.mu.Lock()
	l.requests++
	l.mu.Unlock()
}

// LimiterStats is a point-in-time view of the limiter
type LimiterStats struct {
	Requests      int64     `json:"requests"`
	Rejections    int64     `json:"rejections"`
	LastRejection time.Time `json:"last_rejection"`
	PauseMs       int64     `json:"pause_ms"`
	RemainingMs   int64     `json:"remaining_pause_ms"`
	Tokens        float64   `json:"tokens"`
}

func (l *RequestLimiter) Stats() LimiterStats {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		Requests:      l.requests,
		Rejections:    l.rejections,
		LastRejection: l.lastRejection,
		PauseMs:       l.pause.Milliseconds(),
		RemainingMs:   max(l.pausedUntil.Sub(now), 0).Milliseconds(),
		Tokens:        l.limiter.TokensAt(now),
	}
}
