package streaming

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinvest-stream/internal/models"
)

type fakeService struct {
	name      string
	startErr  error
	delay     time.Duration
	running   atomic.Bool
	starts    atomic.Int32
	stops     atomic.Int32
	reconnect atomic.Int32
	drained   atomic.Bool
	snapshot  MetricsSnapshot
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(context.Context) error {
	time.Sleep(f.delay)
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	f.running.Store(true)
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stops.Add(1)
	f.running.Store(false)
	return nil
}

func (f *fakeService) Reconnect(context.Context) error {
	f.reconnect.Add(1)
	return nil
}

func (f *fakeService) IsRunning() bool   { return f.running.Load() }
func (f *fakeService) IsConnected() bool { return f.running.Load() }

func (f *fakeService) Metrics() MetricsSnapshot {
	s := f.snapshot
	s.Service = f.name
	return s
}

func (f *fakeService) Status() ServiceStatus {
	return ServiceStatus{Name: f.name, Running: f.IsRunning(), Connected: f.IsConnected()}
}

func (f *fakeService) Drain(context.Context) error {
	f.drained.Store(true)
	return nil
}

func TestOrchestrator_StartAllDoesNotShortCircuit(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	ok1 := &fakeService{name: "a", delay: 20 * time.Millisecond}
	bad := &fakeService{name: "b", startErr: models.ErrInvalidConfiguration}
	ok2 := &fakeService{name: "c", delay: 20 * time.Millisecond}
	o.Register(ok1)
	o.Register(bad)
	o.Register(ok2)

	err := o.StartAll(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
	assert.ErrorContains(t, err, "start b")
	assert.True(t, ok1.IsRunning())
	assert.True(t, ok2.IsRunning())
	assert.False(t, o.Healthy())

	statuses := o.AllServiceStatuses()
	assert.Len(t, statuses, 3)
	assert.False(t, statuses["b"].Running)
	assert.Equal(t, []string{"a", "b", "c"}, o.Names())
}

func TestOrchestrator_ConcurrentFanOut(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	for _, name := range []string{"a", "b", "c", "d"} {
		o.Register(&fakeService{name: name, delay: 50 * time.Millisecond})
	}

	start := time.Now()
	require.NoError(t, o.StartAll(context.Background()))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, o.Healthy())
}

func TestOrchestrator_DeadlineSurfacesWithoutCancellingWork(t *testing.T) {
	o := NewOrchestrator(nil, 20*time.Millisecond, quietLogger())
	slow := &fakeService{name: "slow", delay: 100 * time.Millisecond}
	o.Register(slow)

	err := o.StartAll(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, slow.IsRunning, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_NamedOperations(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	svc := &fakeService{name: "trades"}
	o.Register(svc)
	ctx := context.Background()

	require.NoError(t, o.StartService(ctx, "trades"))
	require.NoError(t, o.ReconnectService(ctx, "trades"))
	require.NoError(t, o.StopService(ctx, "trades"))
	assert.Equal(t, int32(1), svc.starts.Load())
	assert.Equal(t, int32(1), svc.reconnect.Load())
	assert.Equal(t, int32(1), svc.stops.Load())

	for _, op := range []func(context.Context, string) error{o.StartService, o.StopService, o.ReconnectService} {
		err := op(ctx, "nope")
		var nf *models.ServiceNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "nope", nf.Name)
	}
	_, err := o.Service("nope")
	assert.ErrorIs(t, err, models.ErrServiceNotFound)
}

func TestOrchestrator_AggregatedMetrics(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	o.Register(&fakeService{name: "a", snapshot: MetricsSnapshot{Received: 10, Processed: 8, Errors: 1, Dropped: 1}})
	o.Register(&fakeService{name: "b", snapshot: MetricsSnapshot{Received: 30, Processed: 30}})

	agg := o.AggregatedMetrics()
	assert.Equal(t, 2, agg.Services)
	assert.Equal(t, int64(40), agg.Received)
	assert.Equal(t, int64(38), agg.Processed)
	assert.Equal(t, int64(1), agg.Errors)
	assert.InDelta(t, 1.0/40.0, agg.DropRate, 1e-9)
	assert.Equal(t, int64(30), agg.PerService["b"].Received)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	o.Register(a)
	o.Register(b)

	var cleared atomic.Bool
	o.OnShutdown(func() { cleared.Store(true) })

	require.NoError(t, o.StartAll(context.Background()))
	require.NoError(t, o.Shutdown(context.Background()))

	assert.False(t, a.IsRunning())
	assert.False(t, b.IsRunning())
	assert.True(t, a.drained.Load())
	assert.True(t, b.drained.Load())
	assert.True(t, cleared.Load())
}

func TestMetricsManager(t *testing.T) {
	m := NewMetricsManager()
	m.Register("b", &fakeService{name: "b"})
	m.Register("a", &fakeService{name: "a"})

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Service)

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, models.ErrServiceNotFound)
	assert.Equal(t, 2, m.Aggregated().Services)
}

func TestOrchestrator_EmptyIsUnhealthy(t *testing.T) {
	o := NewOrchestrator(nil, time.Second, quietLogger())
	assert.False(t, o.Healthy())
	assert.NoError(t, o.StartAll(context.Background()))
}
