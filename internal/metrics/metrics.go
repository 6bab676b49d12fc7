package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming service event accounting
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_stream_events_total",
			Help: "Total streamed events by service and outcome",
		},
		[]string{"service", "outcome"}, // received, processed, errors, dropped
	)

	ServiceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinvest_stream_service_state",
			Help: "Streaming service state (0 stopped, 1 starting, 2 running, 3 reconnecting)",
		},
		[]string{"service"},
	)

	// Connection metrics
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinvest_stream_connections",
			Help: "Open provider streams per service",
		},
		[]string{"service"},
	)

	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_stream_reconnect_attempts_total",
			Help: "Reconnect attempts by stream",
		},
		[]string{"stream", "result"}, // success, failure
	)

	ReconnectBackoff = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinvest_stream_reconnect_backoff_seconds",
			Help: "Current reconnect delay by stream",
		},
		[]string{"stream"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_provider_requests_total",
			Help: "Outbound provider requests",
		},
		[]string{"kind", "result"},
	)

	ProviderRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tinvest_provider_rejections_total",
			Help: "Provider quota rejections",
		},
	)

	SubscriptionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_subscription_failures_total",
			Help: "Instruments rejected in subscription acknowledgements",
		},
		[]string{"kind", "status"},
	)

	// Persistence metrics
	PersistLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinvest_persist_latency_ms",
			Help:    "Upsert latency in milliseconds",
			Buckets: []float64{0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"table"},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_persist_failures_total",
			Help: "Failed upserts by table",
		},
		[]string{"table"},
	)

	PartitionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_partitions_created_total",
			Help: "Partitions created on demand",
		},
		[]string{"table"},
	)

	ProcessorInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinvest_processor_in_flight",
			Help: "Persistence tasks currently admitted",
		},
		[]string{"processor"},
	)

	// Limit monitor metrics
	LimitAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_limit_alerts_total",
			Help: "Limit alerts by kind, side, state and outcome",
		},
		[]string{"kind", "limit_type", "state", "outcome"}, // sent, suppressed, failed
	)

	BoundsCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tinvest_bounds_cached",
			Help: "Instruments with cached limit bounds",
		},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"}, // alert, candle
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinvest_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinvest_publish_latency_ms",
			Help:    "Redis publish latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100},
		},
		[]string{"channel_type"},
	)
)

// RateTracker tracks a per-second rate between successive reads
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	lastRate    float64
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Add(n int64) {
	atomic.AddInt64(&rt.count, n)
}

// GetRate returns the rate since the previous call. Calls closer than a
// second apart return the previous rate.
func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return rt.lastRate
	}

	current := atomic.LoadInt64(&rt.count)
	diff := current - rt.lastCount

	rt.lastCount = current
	rt.lastUpdated = now
	rt.lastRate = float64(diff) / elapsed

	return rt.lastRate
}

// TrackLatency records time since start in milliseconds
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(float64(time.Since(start).Microseconds()) / 1000)
}
