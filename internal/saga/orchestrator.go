package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository"
	"github.com/jmehdipour/delivery-saga/internal/util"
)

var (
	ErrSagaNotFound     = errors.New("saga not found")
	ErrSagaTerminal     = errors.New("saga already finished")
	ErrNothingToRedrive = errors.New("saga is not awaiting a reply")
	ErrConcurrentUpdate = errors.New("saga state changed concurrently")
	errOrderMissing     = errors.New("order missing for saga")
)

// maxTextLen is the width of the free-text saga columns (cause, failure_reason,
// cancel_reason).
const maxTextLen = 255

// Topics names the command topics of each participant.
type Topics struct {
	PaymentCommands  string
	DeliveryCommands string
}

func (t Topics) of(target Target) string {
	if target == TargetDelivery {
		return t.DeliveryCommands
	}
	return t.PaymentCommands
}

// Orchestrator owns saga instances. Every state change, its audit rows, the
// order status and the next command are committed in one transaction.
type Orchestrator struct {
	db       *sqlx.DB
	sagas    repository.SagasRepository
	orders   repository.OrdersRepository
	recorder *outbox.Recorder
	topics   Topics
	log      *zap.Logger
}

func NewOrchestrator(
	db *sqlx.DB,
	sagas repository.SagasRepository,
	orders repository.OrdersRepository,
	recorder *outbox.Recorder,
	topics Topics,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{db: db, sagas: sagas, orders: orders, recorder: recorder, topics: topics, log: log}
}

// Start persists the order and its saga, and records the first payment
// command. The saga leaves CREATED in the same transaction.
func (o *Orchestrator) Start(ctx context.Context, order model.Order) (*model.Saga, error) {
	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order.Status = model.OrderPending
	orderID, err := o.orders.Insert(ctx, tx, order)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	order.ID = orderID

	s := model.Saga{ID: util.NewSagaID(), OrderID: orderID, State: model.SagaCreated}
	if err := o.sagas.Insert(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("insert saga: %w", err)
	}

	emit := Emit{Target: TargetPayment, Type: model.CommandProcess}
	eventID, err := o.emit(ctx, tx, s, &order, emit)
	if err != nil {
		return nil, err
	}

	ok, err := o.sagas.CompareAndSetState(ctx, tx, s.ID, model.SagaCreated, model.SagaAwaitingPayment, &eventID, nil)
	if err != nil {
		return nil, fmt.Errorf("advance saga: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentUpdate
	}
	if err := o.appendPath(ctx, tx, s, []model.SagaState{model.SagaAwaitingPayment}, "start"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.SagaTransitionsTotal.WithLabelValues(model.SagaAwaitingPayment.String()).Inc()
	o.log.Info("saga started",
		zap.String("saga_id", s.ID), zap.Int64("order_id", orderID), zap.String("command_event_id", eventID))

	s.State = model.SagaAwaitingPayment
	s.LastCommandEventID = &eventID
	return &s, nil
}

// HandleReply applies reply to its saga. Replies that do not answer the
// awaited step, or that lose the compare-and-set to a concurrent duplicate,
// are logged and discarded; that is not an error.
func (o *Orchestrator) HandleReply(ctx context.Context, reply model.SagaReply) error {
	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := o.sagas.GetForUpdate(ctx, tx, reply.SagaID)
	if err != nil {
		return fmt.Errorf("load saga %s: %w", reply.SagaID, err)
	}
	if s == nil || s.OrderID != reply.OrderID {
		o.discard(reply, "", "unknown saga")
		return nil
	}

	d := Decide(s.State, reply.StepName, reply.Success)
	if !d.Accept {
		o.discard(reply, s.State, "step not awaited")
		return nil
	}

	var order *model.Order
	if d.Emit != nil {
		if order, err = o.loadOrder(ctx, s.OrderID); err != nil {
			return err
		}
	}

	var lastCmd *string
	if d.Emit != nil {
		eventID, err := o.emit(ctx, tx, *s, order, *d.Emit)
		if err != nil {
			return err
		}
		lastCmd = &eventID
	}

	var reason *string
	if !reply.Success {
		r := fmt.Sprintf("%s failed", reply.StepName)
		if reply.FailureReason != nil {
			r = clip(*reply.FailureReason, maxTextLen)
		}
		reason = &r
	}
	// a compensation reply does not overwrite the reason that triggered it
	if reply.StepName == model.StepPaymentCompensate {
		reason = nil
	}

	ok, err := o.sagas.CompareAndSetState(ctx, tx, s.ID, s.State, d.Next(), lastCmd, reason)
	if err != nil {
		return fmt.Errorf("advance saga %s: %w", s.ID, err)
	}
	if !ok {
		o.discard(reply, s.State, "lost compare-and-set")
		return nil
	}

	cause := clip(fmt.Sprintf("reply %s success=%t event=%s", reply.StepName, reply.Success, reply.EventID), maxTextLen)
	if err := o.appendPath(ctx, tx, *s, d.Path, cause); err != nil {
		return err
	}

	if d.OrderStatus != "" {
		var cancelReason *string
		if d.OrderStatus == model.OrderCancelled {
			cancelReason = s.FailureReason
			if reason != nil {
				cancelReason = reason
			}
		}
		if err := o.orders.UpdateStatus(ctx, tx, s.OrderID, d.OrderStatus, cancelReason); err != nil {
			return fmt.Errorf("update order %d: %w", s.OrderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, st := range d.Path {
		metrics.SagaTransitionsTotal.WithLabelValues(st.String()).Inc()
	}
	o.log.Info("saga advanced",
		zap.String("saga_id", s.ID),
		zap.Int64("order_id", s.OrderID),
		zap.String("from", s.State.String()),
		zap.String("to", d.Next().String()),
		zap.String("reply_event_id", reply.EventID))
	return nil
}

// Get returns the saga and its transition log.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*model.Saga, []model.SagaTransition, error) {
	s, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	if s == nil {
		return nil, nil, ErrSagaNotFound
	}
	ts, err := o.sagas.ListTransitions(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	return s, ts, nil
}

// CommandStatus reports whether the awaited command of s has left the
// outbox. It is "" when the saga awaits nothing.
func (o *Orchestrator) CommandStatus(ctx context.Context, s *model.Saga) (model.OutboxStatus, error) {
	if s == nil || s.LastCommandEventID == nil || s.State.Terminal() {
		return "", nil
	}
	ev, err := o.recorder.Lookup(ctx, *s.LastCommandEventID)
	if err != nil {
		return "", fmt.Errorf("lookup command %s: %w", *s.LastCommandEventID, err)
	}
	if ev == nil {
		return "", nil
	}
	return ev.Status, nil
}

func (o *Orchestrator) discard(reply model.SagaReply, state model.SagaState, why string) {
	metrics.RepliesDiscardedTotal.WithLabelValues(string(reply.StepName)).Inc()
	o.log.Warn("reply discarded",
		zap.String("reason", why),
		zap.String("saga_id", reply.SagaID),
		zap.Int64("order_id", reply.OrderID),
		zap.String("state", state.String()),
		zap.String("step", string(reply.StepName)),
		zap.String("event_id", reply.EventID))
}

func (o *Orchestrator) loadOrder(ctx context.Context, id int64) (*model.Order, error) {
	order, err := o.orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %d: %w", id, errOrderMissing)
	}
	return order, nil
}

// emit records the command for target in the outbox and returns its event id.
func (o *Orchestrator) emit(ctx context.Context, tx *sqlx.Tx, s model.Saga, order *model.Order, e Emit) (string, error) {
	cmd, err := buildCommand(s, order, e)
	if err != nil {
		return "", err
	}
	if err := o.recorder.RecordCommand(ctx, tx, o.topics.of(e.Target), cmd); err != nil {
		return "", err
	}
	return cmd.EventID, nil
}

func (o *Orchestrator) appendPath(ctx context.Context, tx *sqlx.Tx, s model.Saga, path []model.SagaState, cause string) error {
	from := s.State
	for _, to := range path {
		err := o.sagas.AppendTransition(ctx, tx, model.SagaTransition{
			SagaID: s.ID, OrderID: s.OrderID, FromState: from, ToState: to, Cause: cause,
		})
		if err != nil {
			return fmt.Errorf("append transition %s->%s: %w", from, to, err)
		}
		from = to
	}
	return nil
}

// clip cuts s to at most n characters.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// buildCommand derives the command from the order, so a re-drive produces
// the same id and payload as the original emission.
func buildCommand(s model.Saga, order *model.Order, e Emit) (model.Command, error) {
	var payload any
	switch e.Target {
	case TargetPayment:
		payload = model.PaymentPayload{CustomerID: order.CustomerID, Amount: order.Amount, Currency: order.Currency}
	case TargetDelivery:
		payload = model.DeliveryPayload{CustomerID: order.CustomerID, Address: order.Address, Phone: order.Phone}
	default:
		return model.Command{}, fmt.Errorf("unknown command target %q", e.Target)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Command{}, fmt.Errorf("marshal %s payload: %w", e.Target, err)
	}
	return model.Command{
		EventID:     CommandEventID(s.ID, e.Target, e.Type),
		SagaID:      s.ID,
		OrderID:     s.OrderID,
		CommandType: e.Type,
		Payload:     raw,
	}, nil
}
