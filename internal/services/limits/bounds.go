package limits

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/metrics"
	"tinvest-stream/internal/models"
)

const DefaultBoundsRefresh = 5 * time.Minute

// BoundsSource loads the monitored bounds of every known instrument
type BoundsSource interface {
	LoadBounds(ctx context.Context) (map[string]models.InstrumentBounds, error)
}

// BoundsStore is an in-process snapshot of the bounds source, swapped whole
// on every refresh
type BoundsStore struct {
	source   BoundsSource
	logger   *logrus.Logger
	snapshot atomic.Pointer[map[string]models.InstrumentBounds]
}

func NewBoundsStore(source BoundsSource, logger *logrus.Logger) *BoundsStore {
	s := &BoundsStore{source: source, logger: logger}
	empty := map[string]models.InstrumentBounds{}
	s.snapshot.Store(&empty)
	return s
}

// Refresh replaces the snapshot. A failed load keeps the previous one.
func (s *BoundsStore) Refresh(ctx context.Context) error {
	bounds, err := s.source.LoadBounds(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bounds: %w", err)
	}
	s.snapshot.Store(&bounds)
	metrics.BoundsCached.Set(float64(len(bounds)))
	return nil
}

// Run refreshes every interval until ctx ends
func (s *BoundsStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultBoundsRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.WithError(err).Warn("Bounds refresh failed, keeping previous snapshot")
				continue
			}
			s.logger.WithField("instruments", s.Len()).Debug("Bounds refreshed")
		}
	}
}

func (s *BoundsStore) Get(figi string) (models.InstrumentBounds, bool) {
	b, ok := (*s.snapshot.Load())[figi]
	return b, ok
}

// Figis lists instruments that have any bound, sorted
func (s *BoundsStore) Figis() []string {
	snap := *s.snapshot.Load()
	out := make([]string, 0, len(snap))
	for figi, b := range snap {
		if b.HasLimits() || b.HasHistorical() {
			out = append(out, figi)
		}
	}
	sort.Strings(out)
	return out
}

func (s *BoundsStore) Len() int {
	return len(*s.snapshot.Load())
}
