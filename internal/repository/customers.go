package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// CustomersRepository resolves API keys for the HTTP layer and provisions
// customers for the seed command.
type CustomersRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error)
	// Upsert creates or refreshes the customer keyed by api_key and returns its id.
	Upsert(ctx context.Context, tx *sqlx.Tx, c model.Customer) (int64, error)
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

const customerColumns = `id, name, api_key, status, rate_limit_rps, created_at, updated_at`

func (r *CustomersRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error) {
	if apiKey == "" {
		return nil, nil
	}
	var c model.Customer
	err := r.db.GetContext(ctx, &c, `SELECT `+customerColumns+` FROM customers WHERE api_key = ?`, apiKey)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomersRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, c model.Customer) (int64, error) {
	status := c.Status
	if status == "" {
		status = model.CustomerActive
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO customers (name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(3), NOW(3))
		ON DUPLICATE KEY UPDATE
		    id             = LAST_INSERT_ID(id),
		    name           = VALUES(name),
		    status         = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps),
		    updated_at     = VALUES(updated_at)
	`, c.Name, c.APIKey, status, c.RateLimitRPS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
