package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinvest-stream/internal/models"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("TINVEST_TOKEN", "t.secret")
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, 250, cfg.Streams.BatchSize)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "Europe/Moscow", cfg.Storage.Location().String())
	assert.True(t, cfg.Limits.ThresholdPercent.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, []string{"share", "future", "indicative"}, cfg.Instruments.Sources)
	assert.Equal(t, 30*time.Second, cfg.Server.AdminTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STREAM_BATCH_SIZE", "120")
	t.Setenv("STORAGE_DRIVER", "ClickHouse")
	t.Setenv("LIMIT_THRESHOLD_PERCENT", "2.5")
	t.Setenv("INSTRUMENT_SOURCES", "share, future,")
	t.Setenv("STREAM_SUBSCRIBE_DELAY", "not-a-duration")
	t.Setenv("CANDLES_WAITING_CLOSE", "true")
	cfg := validConfig(t)

	assert.Equal(t, 120, cfg.Streams.BatchSize)
	assert.Equal(t, StorageDriverClickHouse, cfg.Storage.Driver)
	assert.Equal(t, "2.5", cfg.Limits.ThresholdPercent.String())
	assert.Equal(t, []string{"share", "future"}, cfg.Instruments.Sources)
	assert.Equal(t, 500*time.Millisecond, cfg.Streams.SubscribeDelay)
	assert.True(t, cfg.Streams.CandlesWaitingClose)
	assert.Equal(t, "clickhouse://default:@localhost:9000/tinvest?dial_timeout=10s&max_execution_time=60", cfg.ClickHouse.DSN())
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing token", func(c *Config) { c.Provider.Token = "" }, "TINVEST_TOKEN"},
		{"zero batch size", func(c *Config) { c.Streams.BatchSize = 0 }, "STREAM_BATCH_SIZE"},
		{"batch size over cap", func(c *Config) { c.Streams.BatchSize = 301 }, "STREAM_BATCH_SIZE"},
		{"threshold above 100", func(c *Config) { c.Limits.ThresholdPercent = decimal.NewFromInt(150) }, "LIMIT_THRESHOLD_PERCENT"},
		{"negative historical threshold", func(c *Config) { c.Limits.HistoricalThresholdPercent = decimal.NewFromInt(-1) }, "HISTORICAL_THRESHOLD_PERCENT"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "STORAGE_DRIVER"},
		{"unknown timezone", func(c *Config) { c.Storage.Timezone = "Mars/Olympus" }, "EXCHANGE_TIMEZONE"},
		{"unknown source", func(c *Config) { c.Instruments.Sources = []string{"bond"} }, "INSTRUMENT_SOURCES"},
		{"no request budget", func(c *Config) { c.Provider.RequestsPerMinute = 0 }, "TINVEST_REQUESTS_PER_MINUTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, models.ErrInvalidConfiguration)
			var ice *models.InvalidConfigurationError
			require.ErrorAs(t, err, &ice)
			assert.Equal(t, tt.field, ice.Field)
		})
	}
}

func TestValidate_BoundaryValues(t *testing.T) {
	cfg := validConfig(t)
	cfg.Streams.BatchSize = 300
	cfg.Limits.ThresholdPercent = decimal.Zero
	cfg.Limits.HistoricalThresholdPercent = decimal.NewFromInt(100)
	cfg.Storage.Driver = StorageDriverMemory
	assert.NoError(t, cfg.Validate())
}
