package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository/repotest"
)

var testTopics = Topics{PaymentCommands: "saga.payment.commands", DeliveryCommands: "saga.delivery.commands"}

type fixture struct {
	orch   *Orchestrator
	mock   sqlmock.Sqlmock
	sagas  *repotest.Sagas
	orders *repotest.Orders
	outbox *repotest.Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock := repotest.NewMockDB(t)
	f := &fixture{
		mock:   mock,
		sagas:  &repotest.Sagas{},
		orders: &repotest.Orders{},
		outbox: &repotest.Outbox{},
	}
	f.orch = NewOrchestrator(db, f.sagas, f.orders, outbox.NewRecorder(f.outbox), testTopics, zap.NewNop())
	return f
}

func (f *fixture) start(t *testing.T) model.Saga {
	t.Helper()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	s, err := f.orch.Start(context.Background(), model.Order{
		CustomerID: 3, Amount: 1500, Currency: "EUR", Address: "1 Main St", Phone: "+4915112345678",
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
	return *s
}

// reply feeds r to the orchestrator; accepted tells whether the tx is expected to commit.
func (f *fixture) reply(t *testing.T, r model.SagaReply, accepted bool) {
	t.Helper()
	f.mock.ExpectBegin()
	if accepted {
		f.mock.ExpectCommit()
	} else {
		f.mock.ExpectRollback()
	}
	require.NoError(t, f.orch.HandleReply(context.Background(), r))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func (f *fixture) state(t *testing.T, id string) model.SagaState {
	t.Helper()
	s, err := f.sagas.Get(context.Background(), id)
	require.NoError(t, err)
	return s.State
}

func (f *fixture) order(t *testing.T, id int64) model.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return *o
}

func ok(s model.Saga, step model.StepName, eventID string) model.SagaReply {
	return model.SagaReply{EventID: eventID, SagaID: s.ID, OrderID: s.OrderID, StepName: step, Success: true}
}

func failed(s model.Saga, step model.StepName, eventID, reason string) model.SagaReply {
	return model.SagaReply{EventID: eventID, SagaID: s.ID, OrderID: s.OrderID, StepName: step, FailureReason: &reason}
}

func TestStartEmitsPaymentCommand(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	assert.Equal(t, model.SagaAwaitingPayment, s.State)
	assert.Equal(t, model.SagaAwaitingPayment, f.state(t, s.ID))
	assert.Equal(t, model.OrderPending, f.order(t, s.OrderID).Status)

	cmds := f.outbox.ByTopic(testTopics.PaymentCommands)
	require.Len(t, cmds, 1)
	assert.Equal(t, s.ID+":PAYMENT:PROCESS", cmds[0].EventID)
	assert.Equal(t, *s.LastCommandEventID, cmds[0].EventID)

	var cmd model.Command
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &cmd))
	assert.Equal(t, model.CommandProcess, cmd.CommandType)
	var p model.PaymentPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	assert.Equal(t, model.PaymentPayload{CustomerID: 3, Amount: 1500, Currency: "EUR"}, p)

	assert.Equal(t, []model.SagaState{model.SagaCreated, model.SagaAwaitingPayment}, f.sagas.Visited(s.ID))
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, ok(s, model.StepPayment, "r1"), true)
	assert.Equal(t, model.SagaAwaitingDelivery, f.state(t, s.ID))
	assert.Equal(t, model.OrderPaid, f.order(t, s.OrderID).Status)

	cmds := f.outbox.ByTopic(testTopics.DeliveryCommands)
	require.Len(t, cmds, 1)
	assert.Equal(t, s.ID+":DELIVERY:PROCESS", cmds[0].EventID)
	var cmd model.Command
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &cmd))
	var p model.DeliveryPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	assert.Equal(t, "1 Main St", p.Address)

	f.reply(t, ok(s, model.StepDelivery, "r2"), true)
	assert.Equal(t, model.SagaCompleted, f.state(t, s.ID))
	assert.Equal(t, model.OrderConfirmed, f.order(t, s.OrderID).Status)

	assert.Equal(t, []model.SagaState{
		model.SagaCreated, model.SagaAwaitingPayment, model.SagaPaymentOK,
		model.SagaAwaitingDelivery, model.SagaCompleted,
	}, f.sagas.Visited(s.ID))
}

func TestPaymentDeclinedFailsSaga(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, failed(s, model.StepPayment, "r1", "insufficient funds"), true)

	assert.Equal(t, model.SagaFailed, f.state(t, s.ID))
	o := f.order(t, s.OrderID)
	assert.Equal(t, model.OrderCancelled, o.Status)
	require.NotNil(t, o.CancelReason)
	assert.Equal(t, "insufficient funds", *o.CancelReason)
	assert.Empty(t, f.outbox.ByTopic(testTopics.DeliveryCommands))
	assert.Equal(t, []model.SagaState{model.SagaCreated, model.SagaAwaitingPayment, model.SagaFailed}, f.sagas.Visited(s.ID))
}

func TestDeliveryFailureCompensatesPayment(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, ok(s, model.StepPayment, "r1"), true)
	f.reply(t, failed(s, model.StepDelivery, "r2", "no rider available"), true)
	assert.Equal(t, model.SagaCompensatingPayment, f.state(t, s.ID))

	cmds := f.outbox.ByTopic(testTopics.PaymentCommands)
	require.Len(t, cmds, 2)
	assert.Equal(t, s.ID+":PAYMENT:COMPENSATE", cmds[1].EventID)

	f.reply(t, ok(s, model.StepPaymentCompensate, "r3"), true)
	assert.Equal(t, model.SagaFailed, f.state(t, s.ID))

	o := f.order(t, s.OrderID)
	assert.Equal(t, model.OrderCancelled, o.Status)
	require.NotNil(t, o.CancelReason)
	assert.Equal(t, "no rider available", *o.CancelReason)

	sg, err := f.sagas.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "no rider available", *sg.FailureReason)

	assert.Equal(t, []model.SagaState{
		model.SagaCreated, model.SagaAwaitingPayment, model.SagaPaymentOK, model.SagaAwaitingDelivery,
		model.SagaCompensatingPayment, model.SagaFailed,
	}, f.sagas.Visited(s.ID))
}

func TestUnexpectedStepIsDiscarded(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, ok(s, model.StepDelivery, "r1"), false)
	f.reply(t, ok(s, model.StepPaymentCompensate, "r2"), false)

	assert.Equal(t, model.SagaAwaitingPayment, f.state(t, s.ID))
	assert.Empty(t, f.outbox.ByTopic(testTopics.DeliveryCommands))
}

func TestDuplicateReplyAppliesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, ok(s, model.StepPayment, "r1"), true)
	f.reply(t, ok(s, model.StepPayment, "r1"), false)

	assert.Equal(t, model.SagaAwaitingDelivery, f.state(t, s.ID))
	assert.Len(t, f.outbox.ByTopic(testTopics.DeliveryCommands), 1)
}

func TestTerminalSagaIgnoresReplies(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.reply(t, failed(s, model.StepPayment, "r1", "insufficient funds"), true)

	f.reply(t, ok(s, model.StepPayment, "r2"), false)
	f.reply(t, ok(s, model.StepDelivery, "r3"), false)
	assert.Equal(t, model.SagaFailed, f.state(t, s.ID))
}

func TestReplyForUnknownSagaIsDiscarded(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.reply(t, model.SagaReply{EventID: "x", SagaID: "nope", OrderID: 1, StepName: model.StepPayment, Success: true}, false)

	// right saga, wrong order
	f.reply(t, model.SagaReply{EventID: "y", SagaID: s.ID, OrderID: s.OrderID + 1, StepName: model.StepPayment, Success: true}, false)
	assert.Equal(t, model.SagaAwaitingPayment, f.state(t, s.ID))
}

func TestRedriveReusesEventID(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	id, err := f.orch.Redrive(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, *s.LastCommandEventID, id)

	cmds := f.outbox.ByTopic(testTopics.PaymentCommands)
	require.Len(t, cmds, 2)
	assert.Equal(t, cmds[0].EventID, cmds[1].EventID)
	assert.Equal(t, cmds[0].Payload, cmds[1].Payload)
	assert.Equal(t, model.SagaAwaitingPayment, f.state(t, s.ID))

	// after compensation starts the awaited command is the refund
	f.reply(t, ok(s, model.StepPayment, "r1"), true)
	f.reply(t, failed(s, model.StepDelivery, "r2", "no rider available"), true)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	id, err = f.orch.Redrive(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID+":PAYMENT:COMPENSATE", id)
}

func TestRedriveRejectsTerminalAndUnknown(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.reply(t, failed(s, model.StepPayment, "r1", "insufficient funds"), true)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err := f.orch.Redrive(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrSagaTerminal)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.orch.Redrive(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetReturnsTransitions(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	got, ts, err := f.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	require.Len(t, ts, 1)
	assert.Equal(t, "start", ts[0].Cause)

	_, _, err = f.orch.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestCommandStatusFollowsTheOutbox(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	st, err := f.orch.CommandStatus(ctx, &s)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, st)

	f.outbox.Drain(testTopics.PaymentCommands)
	st, err = f.orch.CommandStatus(ctx, &s)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPublished, st)

	done := s
	done.State = model.SagaCompleted
	st, err = f.orch.CommandStatus(ctx, &done)
	require.NoError(t, err)
	assert.Empty(t, st)
}
