package model

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID           int64       `db:"id" json:"id"`
	CustomerID   int64       `db:"customer_id" json:"customer_id"`
	Amount       int64       `db:"amount" json:"amount"`
	Currency     string      `db:"currency" json:"currency"`
	Address      string      `db:"address" json:"address"`
	Phone        string      `db:"phone" json:"phone"`
	Status       OrderStatus `db:"status" json:"status"`
	CancelReason *string     `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}
