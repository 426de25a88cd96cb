package migrations

import "embed"

// PostgresFS embeds the trade archive schema.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds the price observation schema.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
