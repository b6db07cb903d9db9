package model

import "time"

// WalletAccount holds the prepaid balance orders are charged against.
type WalletAccount struct {
	CustomerID int64     `db:"customer_id"`
	Balance    int64     `db:"balance"`
	UpdatedAt  time.Time `db:"updated_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// Ledger operations recorded in wallet_ledger.
const (
	LedgerTopup  = "topup"
	LedgerCharge = "charge"
	LedgerRefund = "refund"
)
