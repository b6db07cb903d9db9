package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryAssigned  DeliveryStatus = "ASSIGNED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryCancelled DeliveryStatus = "CANCELLED"
)

// Delivery is the fenced resource: rider assignment is only written through
// a conditional update on LastFencingToken.
type Delivery struct {
	ID               int64          `db:"id" json:"id"`
	OrderID          int64          `db:"order_id" json:"order_id"`
	RiderID          *int64         `db:"rider_id" json:"rider_id,omitempty"`
	Status           DeliveryStatus `db:"status" json:"status"`
	Address          string         `db:"address" json:"address"`
	LastFencingToken *int64         `db:"last_fencing_token" json:"last_fencing_token,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}
