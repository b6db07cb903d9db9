package model

import "time"

// SagaState is the orchestrator state of a saga instance.
type SagaState string

const (
	SagaCreated             SagaState = "CREATED"
	SagaAwaitingPayment     SagaState = "AWAITING_PAYMENT"
	SagaPaymentOK           SagaState = "PAYMENT_OK"
	SagaAwaitingDelivery    SagaState = "AWAITING_DELIVERY"
	SagaCompensatingPayment SagaState = "COMPENSATING_PAYMENT"
	SagaCompleted           SagaState = "COMPLETED"
	SagaFailed              SagaState = "FAILED"
)

func (s SagaState) String() string { return string(s) }

// Terminal reports whether no further transition may leave s.
func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

func (s SagaState) Valid() bool {
	switch s {
	case SagaCreated, SagaAwaitingPayment, SagaPaymentOK, SagaAwaitingDelivery,
		SagaCompensatingPayment, SagaCompleted, SagaFailed:
		return true
	}
	return false
}

// Saga is the persisted saga instance (sagas table).
type Saga struct {
	ID                 string    `db:"id"`
	OrderID            int64     `db:"order_id"`
	State              SagaState `db:"state"`
	LastCommandEventID *string   `db:"last_command_event_id"`
	FailureReason      *string   `db:"failure_reason"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// SagaTransition is one row of the append-only saga_transitions audit log.
type SagaTransition struct {
	ID        int64     `db:"id"`
	SagaID    string    `db:"saga_id"`
	OrderID   int64     `db:"order_id"`
	FromState SagaState `db:"from_state"`
	ToState   SagaState `db:"to_state"`
	Cause     string    `db:"cause"`
	CreatedAt time.Time `db:"created_at"`
}
