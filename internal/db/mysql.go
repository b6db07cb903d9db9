package db

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/delivery-saga/internal/config"
)

// NewMySQLConnection opens the transactional store. The DSN needs parseTime=true;
// multiStatements=true is required by the migrate command.
func NewMySQLConnection(c config.DatabaseConfig) (*sqlx.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	return openPool("mysql", c, 5*time.Second)
}
