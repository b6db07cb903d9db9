package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

type OrdersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, o model.Order) (int64, error)
	Get(ctx context.Context, id int64) (*model.Order, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.OrderStatus, reason *string) error
}

type OrdersRepositoryImpl struct {
	db *sqlx.DB
}

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db}
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

func (r *OrdersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, o model.Order) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders
		    (customer_id, amount, currency, address, phone, status, created_at, updated_at)
		VALUES
		    (?,           ?,      ?,        ?,       ?,     'PENDING', NOW(3), NOW(3))
	`, o.CustomerID, o.Amount, o.Currency, o.Address, o.Phone)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *OrdersRepositoryImpl) Get(ctx context.Context, id int64) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o, `
		SELECT id, customer_id, amount, currency, address, phone, status, cancel_reason, created_at, updated_at
		  FROM orders
		 WHERE id = ?
	`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrdersRepositoryImpl) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.OrderStatus, reason *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		   SET status = ?, cancel_reason = COALESCE(?, cancel_reason), updated_at = NOW(3)
		 WHERE id = ?
	`, string(status), reason, id)
	return err
}
