package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

type PaymentsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, p model.Payment) (int64, error)
	GetByOrderForUpdate(ctx context.Context, tx *sqlx.Tx, orderID int64) (*model.Payment, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.PaymentStatus) error
}

type paymentsRepo struct{}

func NewPaymentsRepository() PaymentsRepository { return &paymentsRepo{} }

func (r *paymentsRepo) Insert(ctx context.Context, tx *sqlx.Tx, p model.Payment) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, customer_id, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(3), NOW(3))
	`, p.OrderID, p.CustomerID, p.Amount, string(p.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *paymentsRepo) GetByOrderForUpdate(ctx context.Context, tx *sqlx.Tx, orderID int64) (*model.Payment, error) {
	var p model.Payment
	err := tx.GetContext(ctx, &p, `
		SELECT id, order_id, customer_id, amount, status, created_at, updated_at
		  FROM payments
		 WHERE order_id = ?
		 FOR UPDATE
	`, orderID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentsRepo) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.PaymentStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE payments SET status = ?, updated_at = NOW(3) WHERE id = ?`, string(status), id)
	return err
}
