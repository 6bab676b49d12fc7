package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tinvest-stream/internal/metrics"
)

// StreamingMetrics counts the events of one service. Fields are updated
// independently of each other.
type StreamingMetrics struct {
	service   string
	received  atomic.Int64
	processed atomic.Int64
	errors    atomic.Int64
	dropped   atomic.Int64

	mu        sync.RWMutex
	startTime time.Time
	rate      *metrics.RateTracker

	promReceived  prometheus.Counter
	promProcessed prometheus.Counter
	promErrors    prometheus.Counter
	promDropped   prometheus.Counter
}

func NewStreamingMetrics(service string) *StreamingMetrics {
	return &StreamingMetrics{
		service:       service,
		startTime:     time.Now(),
		rate:          metrics.NewRateTracker(),
		promReceived:  metrics.StreamEvents.WithLabelValues(service, "received"),
		promProcessed: metrics.StreamEvents.WithLabelValues(service, "processed"),
		promErrors:    metrics.StreamEvents.WithLabelValues(service, "error"),
		promDropped:   metrics.StreamEvents.WithLabelValues(service, "dropped"),
	}
}

func (m *StreamingMetrics) RecordReceived() {
	m.received.Add(1)
	m.promReceived.Inc()
}

func (m *StreamingMetrics) RecordProcessed() {
	m.processed.Add(1)
	m.rate.Add(1)
	m.promProcessed.Inc()
}

func (m *StreamingMetrics) RecordError() {
	m.errors.Add(1)
	m.promErrors.Inc()
}

func (m *StreamingMetrics) RecordDropped() {
	m.dropped.Add(1)
	m.promDropped.Inc()
}

// MarkStarted restarts the rate window
func (m *StreamingMetrics) MarkStarted(at time.Time) {
	m.mu.Lock()
	m.startTime = at
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of the counters and derived rates
type MetricsSnapshot struct {
	Service            string    `json:"service"`
	Received           int64     `json:"received"`
	Processed          int64     `json:"processed"`
	Errors             int64     `json:"errors"`
	Dropped            int64     `json:"dropped"`
	StartTime          time.Time `json:"start_time"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	ProcessedPerSecond float64   `json:"processed_per_second"`
	CurrentRate        float64   `json:"current_rate"`
	ErrorRate          float64   `json:"error_rate"`
	DropRate           float64   `json:"drop_rate"`
}

func (m *StreamingMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	s := MetricsSnapshot{
		Service:     m.service,
		Received:    m.received.Load(),
		Processed:   m.processed.Load(),
		Errors:      m.errors.Load(),
		Dropped:     m.dropped.Load(),
		StartTime:   start,
		CurrentRate: m.rate.GetRate(),
	}
	s.UptimeSeconds = time.Since(start).Seconds()
	if s.UptimeSeconds > 0 {
		s.ProcessedPerSecond = float64(s.Processed) / s.UptimeSeconds
	}
	if s.Received > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.Received)
		s.DropRate = float64(s.Dropped) / float64(s.Received)
	}
	return s
}

// AggregatedMetrics sums the counters of every registered service
type AggregatedMetrics struct {
	Services           int                        `json:"services"`
	Received           int64                      `json:"received"`
	Processed          int64                      `json:"processed"`
	Errors             int64                      `json:"errors"`
	Dropped            int64                      `json:"dropped"`
	ProcessedPerSecond float64                    `json:"processed_per_second"`
	ErrorRate          float64                    `json:"error_rate"`
	DropRate           float64                    `json:"drop_rate"`
	PerService         map[string]MetricsSnapshot `json:"per_service"`
}

func aggregate(snaps []MetricsSnapshot) AggregatedMetrics {
	agg := AggregatedMetrics{
		Services:   len(snaps),
		PerService: make(map[string]MetricsSnapshot, len(snaps)),
	}
	for _, s := range snaps {
		agg.Received += s.Received
		agg.Processed += s.Processed
		agg.Errors += s.Errors
		agg.Dropped += s.Dropped
		agg.ProcessedPerSecond += s.ProcessedPerSecond
		agg.PerService[s.Service] = s
	}
	if agg.Received > 0 {
		agg.ErrorRate = float64(agg.Errors) / float64(agg.Received)
		agg.DropRate = float64(agg.Dropped) / float64(agg.Received)
	}
	return agg
}
