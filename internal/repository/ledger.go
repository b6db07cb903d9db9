package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

type LedgerRepository interface {
	ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error)
	InsertTopup(ctx context.Context, tx *sqlx.Tx, customerID int64, amount int64, idem string) error
	InsertCharge(ctx context.Context, tx *sqlx.Tx, customerID, amount, paymentID int64) error
	InsertRefund(ctx context.Context, tx *sqlx.Tx, customerID, amount, paymentID int64) error
}

type ledgerRepo struct{}

func NewLedgerRepository() LedgerRepository { return &ledgerRepo{} }

// ExistsByIdem checks if a ledger row with the given idempotency key already exists.
func (r *ledgerRepo) ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error) {
	var one int
	err := tx.QueryRowxContext(ctx,
		`SELECT 1 FROM wallet_ledger WHERE idempotency_key = ? LIMIT 1`, idem,
	).Scan(&one)

	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ledgerRepo) InsertTopup(ctx context.Context, tx *sqlx.Tx, customerID int64, amount int64, idem string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (customer_id, op, amount, idempotency_key)
		VALUES (?, 'topup', ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, customerID, amount, idem)
	return err
}

func (r *ledgerRepo) InsertCharge(ctx context.Context, tx *sqlx.Tx, customerID, amount, paymentID int64) error {
	return r.insertPaymentOp(ctx, tx, model.LedgerCharge, customerID, amount, paymentID)
}

func (r *ledgerRepo) InsertRefund(ctx context.Context, tx *sqlx.Tx, customerID, amount, paymentID int64) error {
	return r.insertPaymentOp(ctx, tx, model.LedgerRefund, customerID, amount, paymentID)
}

func (r *ledgerRepo) insertPaymentOp(ctx context.Context, tx *sqlx.Tx, op string, customerID, amount, paymentID int64) error {
	// idempotency_key: charge-<payment> / refund-<payment>
	idem := fmt.Sprintf("%s-%d", op, paymentID)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (customer_id, op, amount, idempotency_key, payment_id)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, customerID, op, amount, idem, paymentID)
	return err
}
