package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/delivery-saga/internal/config"
)

// NewClickHouseConnection opens the saga report store,
// e.g. clickhouse://default:@localhost:9000/sagas?dial_timeout=5s&compress=true
func NewClickHouseConnection(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	return openPool("clickhouse", c, 3*time.Second)
}
