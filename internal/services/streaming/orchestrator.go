package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tinvest-stream/internal/models"
)

const DefaultAdminTimeout = 30 * time.Second

// StreamingService is the lifecycle contract every service implements
type StreamingService interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reconnect(ctx context.Context) error
	IsRunning() bool
	IsConnected() bool
	Metrics() MetricsSnapshot
	Status() ServiceStatus
	Drain(ctx context.Context) error
}

// Orchestrator starts, stops and reconnects registered services, together
// or by name
type Orchestrator struct {
	mu       sync.RWMutex
	services map[string]StreamingService
	order    []string
	cleanup  []func()

	metrics      *MetricsManager
	adminTimeout time.Duration
	logger       *logrus.Logger
}

func NewOrchestrator(metrics *MetricsManager, adminTimeout time.Duration, logger *logrus.Logger) *Orchestrator {
	if metrics == nil {
		metrics = NewMetricsManager()
	}
	if adminTimeout <= 0 {
		adminTimeout = DefaultAdminTimeout
	}
	return &Orchestrator{
		services:     make(map[string]StreamingService),
		metrics:      metrics,
		adminTimeout: adminTimeout,
		logger:       logger,
	}
}

// Register adds svc, replacing a service of the same name
func (o *Orchestrator) Register(svc StreamingService) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.services[svc.Name()]; !ok {
		o.order = append(o.order, svc.Name())
	}
	o.services[svc.Name()] = svc
	o.metrics.Register(svc.Name(), svc)
}

// OnShutdown registers fn to run after every service stopped and drained
func (o *Orchestrator) OnShutdown(fn func()) {
	o.mu.Lock()
	o.cleanup = append(o.cleanup, fn)
	o.mu.Unlock()
}

// Names returns service names in registration order
func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) Service(name string) (StreamingService, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	svc, ok := o.services[name]
	if !ok {
		return nil, &models.ServiceNotFoundError{Name: name}
	}
	return svc, nil
}

func (o *Orchestrator) all() []StreamingService {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]StreamingService, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.services[name])
	}
	return out
}

func (o *Orchestrator) StartAll(ctx context.Context) error {
	return o.fanOut(ctx, "start", StreamingService.Start)
}

func (o *Orchestrator) StopAll(ctx context.Context) error {
	return o.fanOut(ctx, "stop", StreamingService.Stop)
}

func (o *Orchestrator) ReconnectAll(ctx context.Context) error {
	return o.fanOut(ctx, "reconnect", StreamingService.Reconnect)
}

func (o *Orchestrator) StartService(ctx context.Context, name string) error {
	return o.one(ctx, name, "start", StreamingService.Start)
}

func (o *Orchestrator) StopService(ctx context.Context, name string) error {
	return o.one(ctx, name, "stop", StreamingService.Stop)
}

func (o *Orchestrator) ReconnectService(ctx context.Context, name string) error {
	return o.one(ctx, name, "reconnect", StreamingService.Reconnect)
}

func (o *Orchestrator) one(ctx context.Context, name, op string, fn func(StreamingService, context.Context) error) error {
	svc, err := o.Service(name)
	if err != nil {
		return err
	}
	return o.await(ctx, op, []StreamingService{svc}, fn)
}

func (o *Orchestrator) fanOut(ctx context.Context, op string, fn func(StreamingService, context.Context) error) error {
	return o.await(ctx, op, o.all(), fn)
}

// await runs fn on every service concurrently and waits for all of them or
// the admin deadline. Services that outlive the deadline keep running; their
// results are logged when they finish.
func (o *Orchestrator) await(ctx context.Context, op string, services []StreamingService, fn func(StreamingService, context.Context) error) error {
	deadline, cancel := context.WithTimeout(ctx, o.adminTimeout)
	defer cancel()
	work := context.WithoutCancel(ctx)

	errs := make([]error, len(services))
	var g errgroup.Group
	for i, svc := range services {
		g.Go(func() error {
			started := time.Now()
			err := fn(svc, work)
			log := o.logger.WithFields(logrus.Fields{
				"service":  svc.Name(),
				"op":       op,
				"duration": time.Since(started).String(),
			})
			if err != nil {
				log.WithError(err).Error("Service operation failed")
				errs[i] = fmt.Errorf("%s %s: %w", op, svc.Name(), err)
			} else {
				log.Debug("Service operation completed")
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Join(errs...)
	case <-deadline.Done():
		o.logger.WithField("op", op).Warn("Service operation exceeded the admin deadline")
		return fmt.Errorf("%s: %w", op, deadline.Err())
	}
}

func (o *Orchestrator) AggregatedMetrics() AggregatedMetrics {
	return o.metrics.Aggregated()
}

func (o *Orchestrator) AllServiceStatuses() map[string]ServiceStatus {
	out := make(map[string]ServiceStatus)
	for _, svc := range o.all() {
		out[svc.Name()] = svc.Status()
	}
	return out
}

// Healthy reports whether every registered service is running with all
// streams open
func (o *Orchestrator) Healthy() bool {
	services := o.all()
	if len(services) == 0 {
		return false
	}
	for _, svc := range services {
		if !svc.IsRunning() || !svc.IsConnected() {
			return false
		}
	}
	return true
}

// Shutdown stops every service, waits for admitted persistence work and runs
// the shutdown hooks. ctx bounds the drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("Shutting down streaming services")
	stopErr := o.StopAll(ctx)

	var drainErrs []error
	for _, svc := range o.all() {
		if err := svc.Drain(ctx); err != nil {
			drainErrs = append(drainErrs, fmt.Errorf("drain %s: %w", svc.Name(), err))
		}
	}

	o.mu.RLock()
	cleanup := append([]func(){}, o.cleanup...)
	o.mu.RUnlock()
	for _, fn := range cleanup {
		fn()
	}

	return errors.Join(stopErr, errors.Join(drainErrs...))
}
