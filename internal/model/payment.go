package model

import "time"

type PaymentStatus string

const (
	PaymentCharged  PaymentStatus = "CHARGED"
	PaymentDeclined PaymentStatus = "DECLINED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID         int64         `db:"id"`
	OrderID    int64         `db:"order_id"`
	CustomerID int64         `db:"customer_id"`
	Amount     int64         `db:"amount"`
	Status     PaymentStatus `db:"status"`
	CreatedAt  time.Time     `db:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at"`
}
