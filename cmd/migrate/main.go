package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/config"
	"tinvest-stream/internal/repository"
)

func main() {
	// Command line flags
	driver := flag.String("driver", "", "Storage driver: postgres or clickhouse (default STORAGE_DRIVER)")
	days := flag.Int("days", 7, "Days of partitions to create ahead of today (postgres)")
	schemaOnly := flag.Bool("schema-only", false, "Skip partition pre-creation")
	flag.Parse()

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		err = migratePostgres(ctx, cfg, *days, *schemaOnly, logger)
	case config.StorageDriverClickHouse:
		err = migrateClickHouse(ctx, cfg, logger)
	default:
		err = fmt.Errorf("nothing to migrate for driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		logger.Errorf("Migration failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Migration completed successfully")
}

func migratePostgres(ctx context.Context, cfg *config.Config, days int, schemaOnly bool, logger *logrus.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	logger.Info("Applying postgres schema...")
	err = repository.ApplySchema(ctx, func(ctx context.Context, stmt string) error {
		_, err := pool.Exec(ctx, stmt)
		return err
	}, repository.PostgresStatements())
	if err != nil {
		return err
	}
	logger.Info("Schema applied")

	if schemaOnly {
		return nil
	}

	loc := cfg.Storage.Location()
	plan := repository.PlanPartitions(time.Now().In(loc), days)
	bar := progressbar.NewOptions(len(plan),
		progressbar.OptionSetDescription(fmt.Sprintf("Creating partitions for %d days", days+1)),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	defer bar.Finish()

	writer := repository.NewPostgresWriter(pool, loc, logger)
	return repository.CreatePartitions(ctx, writer, plan, func() { _ = bar.Add(1) })
}

func migrateClickHouse(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	open := func(database string) (driver.Conn, error) {
		return clickhouse.Open(&clickhouse.Options{
			Addr: []string{cfg.ClickHouse.Addr()},
			Auth: clickhouse.Auth{
				Database: database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			},
			DialTimeout: 10 * time.Second,
		})
	}

	// Connect to default first
	conn, err := open("default")
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	logger.Infof("Creating database: %s", cfg.ClickHouse.Database)
	err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", cfg.ClickHouse.Database))
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	conn, err = open(cfg.ClickHouse.Database)
	if err != nil {
		return fmt.Errorf("failed to reconnect to database: %w", err)
	}
	defer conn.Close()

	logger.Info("Creating tables...")
	return repository.ApplySchema(ctx, func(ctx context.Context, stmt string) error {
		return conn.Exec(ctx, stmt)
	}, repository.ClickHouseStatements())
}
