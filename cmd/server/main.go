package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tinvest-stream/internal/api"
	"tinvest-stream/internal/cache"
	"tinvest-stream/internal/config"
	grpcServer "tinvest-stream/internal/grpc"
	"tinvest-stream/internal/models"
	"tinvest-stream/internal/pubsub"
	"tinvest-stream/internal/repository"
	"tinvest-stream/internal/services/connection"
	"tinvest-stream/internal/services/instruments"
	"tinvest-stream/internal/services/limits"
	"tinvest-stream/internal/services/processor"
	"tinvest-stream/internal/services/streaming"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting tinvest-stream...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc := cfg.Storage.Location()

	// Storage
	store, err := openStorage(ctx, cfg, loc, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer store.close()

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	// Limit monitoring
	bounds := limits.NewBoundsStore(cache.NewBoundsCache(redisClient, logger), logger)
	if err := bounds.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("Initial bounds load failed")
	} else {
		logger.WithField("instruments", bounds.Len()).Info("Instrument bounds loaded")
	}
	thresholds, err := limits.NewThresholds(cfg.Limits.ThresholdPercent, cfg.Limits.HistoricalThresholdPercent)
	if err != nil {
		logger.Fatal("Invalid thresholds: ", err)
	}
	publisher := pubsub.NewPublisher(redisClient, cfg.Redis.AlertChannel, cfg.Redis.ChannelPrefix, logger)
	monitor := limits.NewMonitor(limits.MonitorConfig{
		Bounds:     bounds,
		Thresholds: thresholds,
		Dedup:      limits.NewDedup(loc),
		Notifier:   publisher,
	}, logger)

	// Upstream transport
	requestLimiter := connection.NewRequestLimiter(cfg.Provider.RequestsPerMinute, cfg.Provider.RequestBurst)
	deps := streaming.Deps{
		Dialer: &connection.WebsocketDialer{
			URL:              cfg.Provider.StreamURL,
			Token:            cfg.Provider.Token,
			AppName:          cfg.Provider.AppName,
			ProxyURL:         cfg.Provider.ProxyURL,
			HandshakeTimeout: cfg.Provider.HandshakeTimeout,
			PingInterval:     cfg.Provider.PingInterval,
			ReadTimeout:      cfg.Provider.ReadTimeout,
		},
		Limiter:        requestLimiter,
		Logger:         logger,
		BatchSize:      cfg.Streams.BatchSize,
		SubscribeDelay: cfg.Streams.SubscribeDelay,
		Backoff: func() *connection.Backoff {
			return connection.NewBackoff(cfg.Streams.InitialBackoff, cfg.Streams.MaxBackoff, connection.DefaultBackoffFactor)
		},
	}

	marketInstruments := buildResolver(cfg, store.catalog, logger)
	limitInstruments := instruments.NewResolver(logger,
		instruments.SourceFunc("bounds", func(context.Context) ([]models.Instrument, error) {
			return instruments.FromFigis(bounds.Figis()), nil
		}),
	)

	opts := processor.Options{
		Location:     loc,
		WriteTimeout: cfg.Storage.WriteTimeout,
		WaitingClose: cfg.Streams.CandlesWaitingClose,
	}
	if cfg.Redis.SnapshotTTL > 0 {
		opts.Snapshots = cache.NewMarketCache(redisClient, cfg.Redis.SnapshotTTL, logger)
	}

	orchestrator := streaming.NewOrchestrator(streaming.NewMetricsManager(), cfg.Server.AdminTimeout, logger)
	if cfg.Streams.EnableLastPrice {
		orchestrator.Register(streaming.NewLastPriceStreamingService(deps, marketInstruments,
			processor.NewLastPriceProcessor(store.writer, logger, opts)))
	}
	if cfg.Streams.EnableTrades {
		orchestrator.Register(streaming.NewTradeStreamingService(deps, marketInstruments,
			processor.NewTradeProcessor(store.writer, logger, opts)))
	}
	if cfg.Streams.EnableCandles {
		var candlePub processor.CandlePublisher
		if cfg.Streams.PublishCandles {
			candlePub = publisher
		}
		orchestrator.Register(streaming.NewMinuteCandleStreamingService(deps, marketInstruments,
			processor.NewCandleProcessor(store.writer, candlePub, logger, opts), cfg.Streams.CandlesWaitingClose))
	}
	if cfg.Streams.EnableLimitMonitor {
		orchestrator.Register(streaming.NewLimitMonitoringStreamingService(deps, limitInstruments,
			processor.NewLimitMonitorProcessor(monitor, logger, opts)))
	}
	orchestrator.OnShutdown(monitor.Clear)

	// Control surfaces
	httpSrv := api.NewServer(cfg.Server.HTTPPort, orchestrator, thresholds, requestLimiter, version, logger)
	grpcSrv := grpcServer.NewServer(cfg.Server.GRPCPort, orchestrator, cfg.Server.HealthInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	g.Go(grpcSrv.Start)
	g.Go(func() error { bounds.Run(gctx, cfg.Limits.BoundsRefresh); return nil })
	g.Go(func() error { monitor.RunMaintenance(gctx); return nil })
	g.Go(func() error { grpcSrv.Run(gctx); return nil })

	if err := orchestrator.StartAll(ctx); err != nil {
		logger.WithError(err).Error("Some streaming services failed to start")
	}
	logger.WithFields(logrus.Fields{
		"version":  version,
		"services": orchestrator.Names(),
		"storage":  cfg.Storage.Driver,
	}).Info("tinvest-stream started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := orchestrator.Shutdown(shutdownCtx)
		grpcSrv.Stop()
		return errors.Join(err, httpSrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

type storage struct {
	writer  repository.Writer
	catalog instruments.Catalog
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config, loc *time.Location, logger *logrus.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		logger.Info("Connecting to PostgreSQL...")
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("PostgreSQL connected successfully")
		return &storage{
			writer:  repository.NewPostgresWriter(pool, loc, logger),
			catalog: repository.NewInstrumentRepository(pool, logger),
			close:   pool.Close,
		}, nil

	case config.StorageDriverClickHouse:
		logger.Info("Connecting to ClickHouse...")
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{cfg.ClickHouse.Addr()},
			Auth: clickhouse.Auth{
				Database: cfg.ClickHouse.Database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			},
			Settings: clickhouse.Settings{
				"max_execution_time": 60,
			},
			DialTimeout:      10 * time.Second,
			MaxOpenConns:     10,
			MaxIdleConns:     5,
			ConnMaxLifetime:  time.Hour,
			ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		})
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("ClickHouse connected successfully")
		return &storage{
			writer: repository.NewClickHouseWriter(conn, logger),
			close:  func() { _ = conn.Close() },
		}, nil

	default:
		logger.Warn("Using in-memory storage, data is not persisted")
		return &storage{
			writer: repository.NewMemoryWriter(loc),
			close:  func() {},
		}, nil
	}
}

// buildResolver unions the configured catalog kinds with the optional
// instrument file
func buildResolver(cfg *config.Config, catalog instruments.Catalog, logger *logrus.Logger) *instruments.Resolver {
	var sources []instruments.Source
	if catalog != nil {
		wanted := make(map[string]bool)
		for _, kind := range cfg.Instruments.Sources {
			wanted[kind] = true
		}
		for _, src := range instruments.CatalogSources(catalog) {
			if wanted[src.Name()] {
				sources = append(sources, src)
			}
		}
	} else if len(cfg.Instruments.Sources) > 0 {
		logger.Warn("Instrument catalogs require the postgres driver, only the instrument file is used")
	}
	if cfg.Instruments.File != "" {
		sources = append(sources, instruments.NewFileSource(cfg.Instruments.File))
	}
	return instruments.NewResolver(logger, sources...)
}
