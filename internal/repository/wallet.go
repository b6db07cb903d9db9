package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type WalletRepository interface {
	UpsertAccount(ctx context.Context, tx *sqlx.Tx, customerID int64) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, customerID int64) (balance int64, err error)
	Adjust(ctx context.Context, tx *sqlx.Tx, customerID, deltaBalance int64) error
}

type walletRepo struct{}

func NewWalletRepository() WalletRepository { return &walletRepo{} }

func (r *walletRepo) UpsertAccount(ctx context.Context, tx *sqlx.Tx, customerID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (customer_id, balance, created_at, updated_at)
		VALUES (?, 0, NOW(3), NOW(3))
		ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)
	`, customerID)
	return err
}

func (r *walletRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, customerID int64) (int64, error) {
	var bal int64
	err := tx.QueryRowxContext(ctx, `
		SELECT balance
		FROM wallet_accounts
		WHERE customer_id = ?
		FOR UPDATE
	`, customerID).Scan(&bal)
	if isNoRows(err) {
		return 0, nil
	}
	return bal, err
}

// Adjust applies a signed balance delta (negative for charges, positive for
// top-ups and refunds).
func (r *walletRepo) Adjust(ctx context.Context, tx *sqlx.Tx, customerID, dBal int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = balance + ?, updated_at = NOW(3)
		WHERE customer_id = ?
	`, dBal, customerID)
	return err
}
