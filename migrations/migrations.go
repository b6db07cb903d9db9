// Package migrations embeds the schema files applied by the migrate command.
package migrations

import "embed"

// MySQL holds the OLTP schema, applied in file name order.
//
//go:embed *.sql
var MySQL embed.FS

// ClickHouse holds the reporting schema.
//
//go:embed clickhouse/*.sql
var ClickHouse embed.FS
