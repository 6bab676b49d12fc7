package connection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
)

// ReconnectFunc is one reconnect attempt
type ReconnectFunc func(ctx context.Context) error

// Reconnector runs at most one unbounded retry loop at a time. The loop ends
// when an attempt succeeds, when satisfied reports true or when ctx is done.
type Reconnector struct {
	name    string
	backoff *Backoff
	logger  *logrus.Logger
	active  atomic.Bool
}

func NewReconnector(name string, backoff *Backoff, logger *logrus.Logger) *Reconnector {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	return &Reconnector{name: name, backoff: backoff, logger: logger}
}

// Active reports whether a loop is running
func (r *Reconnector) Active() bool { return r.active.Load() }

// Backoff exposes the delay policy
func (r *Reconnector) Backoff() *Backoff { return r.backoff }

// Schedule starts the retry loop unless one is already running. It returns
// whether a new loop was started.
func (r *Reconnector) Schedule(ctx context.Context, satisfied func() bool, cb ReconnectFunc) bool {
	if !r.active.CompareAndSwap(false, true) {
		return false
	}

	go func() {
		for {
			r.loop(ctx, satisfied, cb)
			r.active.Store(false)

			// a failure reported while the loop was finishing found it active
			// and was dropped, so look once more before leaving
			if ctx.Err() != nil || satisfied() || !r.active.CompareAndSwap(false, true) {
				return
			}
		}
	}()
	return true
}

func (r *Reconnector) loop(ctx context.Context, satisfied func() bool, cb ReconnectFunc) {
	log := r.logger.WithField("stream", r.name)
	failures := 0
	cappedLogged := false

	for {
		delay := r.backoff.Current()
		metrics.ReconnectBackoff.WithLabelValues(r.name).Set(delay.Seconds())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if failures > 0 {
				log.WithField("attempts", failures).Info("Reconnect cancelled")
			}
			return
		case <-timer.C:
		}

		if ctx.Err() != nil || satisfied() {
			return
		}

		if err := cb(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.ReconnectAttempts.WithLabelValues(r.name, "failure").Inc()
			next := r.backoff.Increase()

			switch {
			case failures == 1:
				log.WithError(err).Warnf("Reconnect failed, retrying in %s", next)
			case r.backoff.AtMax() && !cappedLogged:
				cappedLogged = true
				log.WithError(err).WithField("attempts", failures).Warnf("Reconnect still failing, backoff capped at %s", next)
			default:
				log.WithError(err).WithField("attempts", failures).Debug("Reconnect attempt failed")
			}
			continue
		}

		r.backoff.Reset()
		metrics.ReconnectAttempts.WithLabelValues(r.name, "success").Inc()
		if failures > 0 {
			log.WithField("attempts", failures+1).Info("Reconnected")
		}
		return
	}
}
