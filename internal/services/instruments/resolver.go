// Package instruments resolves the set of FIGIs a streaming service
// subscribes to from the reference-data catalogs.
package instruments

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

// Source is one reference-data catalog
type Source interface {
	Name() string
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

type funcSource struct {
	name string
	fn   func(ctx context.Context) ([]models.Instrument, error)
}

func (s funcSource) Name() string { return s.name }

func (s funcSource) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return s.fn(ctx)
}

// SourceFunc adapts fn to a Source
func SourceFunc(name string, fn func(ctx context.Context) ([]models.Instrument, error)) Source {
	return funcSource{name: name, fn: fn}
}

// Static serves a fixed FIGI list
func Static(name string, figis ...string) Source {
	return SourceFunc(name, func(context.Context) ([]models.Instrument, error) {
		return FromFigis(figis), nil
	})
}

// FromFigis wraps bare FIGIs into instruments
func FromFigis(figis []string) []models.Instrument {
	out := make([]models.Instrument, 0, len(figis))
	for _, f := range figis {
		out = append(out, models.Instrument{Figi: f})
	}
	return out
}

// Catalog is the reference repository the postgres sources read from
type Catalog interface {
	Shares(ctx context.Context) ([]models.Instrument, error)
	Futures(ctx context.Context) ([]models.Instrument, error)
	Indicatives(ctx context.Context) ([]models.Instrument, error)
}

// CatalogSources returns the share, future and indicative sources of c
func CatalogSources(c Catalog) []Source {
	return []Source{
		SourceFunc(string(models.KindShare), c.Shares),
		SourceFunc(string(models.KindFuture), c.Futures),
		SourceFunc(string(models.KindIndicative), c.Indicatives),
	}
}

// Resolver unions its sources in order
type Resolver struct {
	sources []Source
	logger  *logrus.Logger
}

func NewResolver(logger *logrus.Logger, sources ...Source) *Resolver {
	return &Resolver{sources: sources, logger: logger}
}

// Resolve returns the FIGIs of every source, empty identifiers removed and
// duplicates dropped keeping the first occurrence. Any failing source fails
// the whole resolution.
func (r *Resolver) Resolve(ctx context.Context) ([]string, error) {
	var all []string
	counts := logrus.Fields{}

	for _, src := range r.sources {
		list, err := src.Instruments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s instruments: %w", src.Name(), err)
		}
		counts[src.Name()] = len(list)
		for _, inst := range list {
			all = append(all, inst.Figi)
		}
	}

	ids := Dedupe(all)
	r.logger.WithFields(counts).WithField("total", len(ids)).Debug("Resolved instruments")
	return ids, nil
}

// Dedupe drops empty and repeated identifiers, preserving order
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
