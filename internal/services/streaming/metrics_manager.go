package streaming

import (
	"sort"
	"sync"

	"tinvest-stream/internal/models"
)

// MetricsSource is anything that reports a metrics snapshot
type MetricsSource interface {
	Metrics() MetricsSnapshot
}

// MetricsManager is the registry the aggregated view is computed from
type MetricsManager struct {
	mu      sync.RWMutex
	sources map[string]MetricsSource
}

func NewMetricsManager() *MetricsManager {
	return &MetricsManager{sources: make(map[string]MetricsSource)}
}

func (m *MetricsManager) Register(name string, src MetricsSource) {
	m.mu.Lock()
	m.sources[name] = src
	m.mu.Unlock()
}

// Get returns the snapshot of one service
func (m *MetricsManager) Get(name string) (MetricsSnapshot, error) {
	m.mu.RLock()
	src, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return MetricsSnapshot{}, &models.ServiceNotFoundError{Name: name}
	}
	return src.Metrics(), nil
}

// All returns every snapshot ordered by service name
func (m *MetricsManager) All() []MetricsSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sources := make([]MetricsSource, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sources = append(sources, m.sources[name])
	}
	m.mu.RUnlock()

	out := make([]MetricsSnapshot, 0, len(sources))
	for _, src := range sources {
		out = append(out, src.Metrics())
	}
	return out
}

// Aggregated sums all services at call time
func (m *MetricsManager) Aggregated() AggregatedMetrics {
	return aggregate(m.All())
}
