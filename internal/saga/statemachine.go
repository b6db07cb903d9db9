package saga

import (
	"fmt"

	"github.com/jmehdipour/delivery-saga/internal/model"
)

// Target is the participant a command is addressed to.
type Target string

const (
	TargetPayment  Target = "PAYMENT"
	TargetDelivery Target = "DELIVERY"
)

// Emit describes the command a transition sends.
type Emit struct {
	Target Target
	Type   model.CommandType
}

// Decision is the outcome of feeding one reply to the state machine.
type Decision struct {
	Accept bool
	// Path lists the states entered, in order; the last one is persisted.
	Path        []model.SagaState
	Emit        *Emit
	OrderStatus model.OrderStatus // empty when the order is untouched
}

func (d Decision) Next() model.SagaState { return d.Path[len(d.Path)-1] }

// AwaitedStep returns the reply step a saga in state s is waiting for.
func AwaitedStep(s model.SagaState) (model.StepName, bool) {
	switch s {
	case model.SagaAwaitingPayment:
		return model.StepPayment, true
	case model.SagaAwaitingDelivery:
		return model.StepDelivery, true
	case model.SagaCompensatingPayment:
		return model.StepPaymentCompensate, true
	case model.SagaCreated, model.SagaPaymentOK, model.SagaCompleted, model.SagaFailed:
		return "", false
	}
	return "", false
}

// AwaitedCommand returns the command whose reply a saga in state s is waiting for.
func AwaitedCommand(s model.SagaState) (Emit, bool) {
	switch s {
	case model.SagaAwaitingPayment:
		return Emit{Target: TargetPayment, Type: model.CommandProcess}, true
	case model.SagaAwaitingDelivery:
		return Emit{Target: TargetDelivery, Type: model.CommandProcess}, true
	case model.SagaCompensatingPayment:
		return Emit{Target: TargetPayment, Type: model.CommandCompensate}, true
	case model.SagaCreated, model.SagaPaymentOK, model.SagaCompleted, model.SagaFailed:
		return Emit{}, false
	}
	return Emit{}, false
}

// Decide is the transition table. It is pure: persistence and emission are
// the orchestrator's job.
func Decide(current model.SagaState, step model.StepName, success bool) Decision {
	if awaited, ok := AwaitedStep(current); !ok || awaited != step {
		return Decision{}
	}

	switch current {
	case model.SagaAwaitingPayment:
		if success {
			return Decision{
				Accept:      true,
				Path:        []model.SagaState{model.SagaPaymentOK, model.SagaAwaitingDelivery},
				Emit:        &Emit{Target: TargetDelivery, Type: model.CommandProcess},
				OrderStatus: model.OrderPaid,
			}
		}
		return Decision{
			Accept:      true,
			Path:        []model.SagaState{model.SagaFailed},
			OrderStatus: model.OrderCancelled,
		}

	case model.SagaAwaitingDelivery:
		if success {
			return Decision{
				Accept:      true,
				Path:        []model.SagaState{model.SagaCompleted},
				OrderStatus: model.OrderConfirmed,
			}
		}
		return Decision{
			Accept: true,
			Path:   []model.SagaState{model.SagaCompensatingPayment},
			Emit:   &Emit{Target: TargetPayment, Type: model.CommandCompensate},
		}

	case model.SagaCompensatingPayment:
		// the saga fails whatever the refund outcome was
		return Decision{
			Accept:      true,
			Path:        []model.SagaState{model.SagaFailed},
			OrderStatus: model.OrderCancelled,
		}

	case model.SagaCreated, model.SagaPaymentOK, model.SagaCompleted, model.SagaFailed:
		return Decision{}
	}
	return Decision{}
}

// CommandEventID is deterministic per saga, target and command type, so a
// re-driven command carries the id of the original and participants dedupe it.
func CommandEventID(sagaID string, t Target, ct model.CommandType) string {
	return fmt.Sprintf("%s:%s:%s", sagaID, t, ct)
}
