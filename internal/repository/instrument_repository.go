package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
)

// Querier is the subset of pgxpool.Pool used for reference reads
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// InstrumentRepository reads the instrument catalogs maintained by the
// reference-data loader
type InstrumentRepository struct {
	db     Querier
	logger *logrus.Logger
}

func NewInstrumentRepository(db Querier, logger *logrus.Logger) *InstrumentRepository {
	return &InstrumentRepository{db: db, logger: logger}
}

var catalogTables = map[models.InstrumentKind]string{
	models.KindShare:      "shares",
	models.KindFuture:     "futures",
	models.KindIndicative: "indicatives",
}

// Shares returns every share with a FIGI
func (r *InstrumentRepository) Shares(ctx context.Context) ([]models.Instrument, error) {
	return r.list(ctx, models.KindShare)
}

// Futures returns every future with a FIGI
func (r *InstrumentRepository) Futures(ctx context.Context) ([]models.Instrument, error) {
	return r.list(ctx, models.KindFuture)
}

// Indicatives returns every indicative instrument with a FIGI
func (r *InstrumentRepository) Indicatives(ctx context.Context) ([]models.Instrument, error) {
	return r.list(ctx, models.KindIndicative)
}

func (r *InstrumentRepository) list(ctx context.Context, kind models.InstrumentKind) ([]models.Instrument, error) {
	table := catalogTables[kind]
	query := fmt.Sprintf(
		"SELECT figi, ticker, name FROM %s WHERE figi <> '' ORDER BY ticker, figi",
		pgx.Identifier{table}.Sanitize(),
	)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	instruments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Instrument, error) {
		inst := models.Instrument{Kind: kind}
		err := row.Scan(&inst.Figi, &inst.Ticker, &inst.Name)
		return inst, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}

	r.logger.WithFields(logrus.Fields{
		"kind":  kind,
		"count": len(instruments),
	}).Debug("Loaded instruments")
	return instruments, nil
}
