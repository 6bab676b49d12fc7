package repository

import (
	_ "embed"
	"strings"
)

const (
	TableLastPrices = "last_prices"
	TableTrades     = "trades"
	TableCandles    = "candles_1m"
)

// PartitionedTables are the tables split into daily partitions
var PartitionedTables = []string{TableLastPrices, TableTrades, TableCandles}

var (
	//go:embed schema/postgres.sql
	postgresSchema string

	//go:embed schema/clickhouse.sql
	clickhouseSchema string
)

// PostgresStatements returns the postgres DDL, one statement per element
func PostgresStatements() []string { return splitStatements(postgresSchema) }

// ClickHouseStatements returns the clickhouse DDL, one statement per element
func ClickHouseStatements() []string { return splitStatements(clickhouseSchema) }

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func isPartitioned(table string) bool {
	for _, t := range PartitionedTables {
		if t == table {
			return true
		}
	}
	return false
}
