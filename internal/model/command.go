package model

import "encoding/json"

// CommandType discriminates forward and compensating commands.
type CommandType string

const (
	CommandProcess    CommandType = "PROCESS"
	CommandCompensate CommandType = "COMPENSATE"
)

func (t CommandType) Valid() bool { return t == CommandProcess || t == CommandCompensate }

// StepName identifies which participant step a reply answers.
type StepName string

const (
	StepPayment           StepName = "PAYMENT"
	StepDelivery          StepName = "DELIVERY"
	StepPaymentCompensate StepName = "PAYMENT_COMPENSATE"
)

func (s StepName) Valid() bool {
	return s == StepPayment || s == StepDelivery || s == StepPaymentCompensate
}

// Command is sent from the orchestrator to a participant.
type Command struct {
	EventID     string          `json:"eventId"`
	SagaID      string          `json:"sagaId"`
	OrderID     int64           `json:"orderId"`
	CommandType CommandType     `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SagaReply is sent from a participant back to the orchestrator.
type SagaReply struct {
	EventID       string   `json:"eventId"`
	SagaID        string   `json:"sagaId"`
	OrderID       int64    `json:"orderId"`
	StepName      StepName `json:"stepName"`
	Success       bool     `json:"success"`
	FailureReason *string  `json:"failureReason"`
	ResultID      *int64   `json:"resultId"`
}

// PaymentPayload is the step payload of payment commands.
type PaymentPayload struct {
	CustomerID int64  `json:"customerId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

// DeliveryPayload is the step payload of delivery commands.
type DeliveryPayload struct {
	CustomerID int64  `json:"customerId"`
	Address    string `json:"address"`
	Phone      string `json:"phone"`
}
