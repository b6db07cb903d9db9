package participant

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository"
	"github.com/jmehdipour/delivery-saga/internal/repository/repotest"
)

type paymentFixture struct {
	svc      *Payment
	mock     sqlmock.Sqlmock
	outbox   *repotest.Outbox
	payments *repotest.Payments
	wallet   *repotest.Wallet
	ledger   *repotest.Ledger
}

func newPaymentFixture(t *testing.T, balance int64, processed repository.ProcessedEventsRepository, payments repository.PaymentsRepository) *paymentFixture {
	t.Helper()
	db, mock := repotest.NewMockDB(t)
	f := &paymentFixture{
		mock:     mock,
		outbox:   &repotest.Outbox{},
		payments: &repotest.Payments{},
		wallet:   repotest.NewWallet(map[int64]int64{3: balance}),
		ledger:   &repotest.Ledger{},
	}
	if processed == nil {
		processed = &repotest.ProcessedEvents{}
	}
	if payments == nil {
		payments = f.payments
	}
	f.svc = NewPayment(db, processed, outbox.NewRecorder(f.outbox), repliesTopic, payments, f.wallet, f.ledger, zap.NewNop())
	return f
}

func (f *paymentFixture) handle(t *testing.T, cmd model.Command, commits bool) {
	t.Helper()
	f.mock.ExpectBegin()
	if commits {
		f.mock.ExpectCommit()
	} else {
		f.mock.ExpectRollback()
	}
	require.NoError(t, f.svc.Handle(ctx, cmd))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

var charge1500 = model.PaymentPayload{CustomerID: 3, Amount: 1500, Currency: "EUR"}

func TestChargeSucceeds(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)

	f.handle(t, command(t, "s:PAYMENT:PROCESS", 1, model.CommandProcess, charge1500), true)

	pay := f.payments.ByOrder(1)
	require.NotNil(t, pay)
	assert.Equal(t, model.PaymentCharged, pay.Status)
	assert.Equal(t, int64(3500), f.wallet.Balance(3))
	assert.Equal(t, []string{model.LedgerCharge}, f.ledger.Ops())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.Equal(t, model.StepPayment, rs[0].StepName)
	assert.True(t, rs[0].Success)
	require.NotNil(t, rs[0].ResultID)
	assert.Equal(t, pay.ID, *rs[0].ResultID)
	assert.Nil(t, rs[0].FailureReason)
	assert.Equal(t, "1", f.outbox.ByTopic(repliesTopic)[0].MessageKey)
}

func TestDuplicateCommandHasOneEffect(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)
	cmd := command(t, "s:PAYMENT:PROCESS", 1, model.CommandProcess, charge1500)

	f.handle(t, cmd, true)
	f.handle(t, cmd, false)
	f.handle(t, cmd, false)

	assert.Equal(t, 1, f.payments.Count())
	assert.Equal(t, int64(3500), f.wallet.Balance(3))
	assert.Len(t, replies(t, f.outbox), 1)
}

func TestChargeDeclinedOnInsufficientFunds(t *testing.T) {
	f := newPaymentFixture(t, 100, nil, nil)

	f.handle(t, command(t, "s:PAYMENT:PROCESS", 2, model.CommandProcess, charge1500), true)

	assert.Equal(t, model.PaymentDeclined, f.payments.ByOrder(2).Status)
	assert.Equal(t, int64(100), f.wallet.Balance(3))
	assert.Empty(t, f.ledger.Ops())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Success)
	assert.Equal(t, "insufficient funds", *rs[0].FailureReason)
	assert.Nil(t, rs[0].ResultID)
}

func TestChargeRejectsNonPositiveAmount(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)

	f.handle(t, command(t, "e1", 1, model.CommandProcess, model.PaymentPayload{CustomerID: 3}), true)

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.Equal(t, "invalid amount", *rs[0].FailureReason)
	assert.Zero(t, f.payments.Count())
}

func TestRefundRestoresWallet(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)

	f.handle(t, command(t, "s:PAYMENT:PROCESS", 1, model.CommandProcess, charge1500), true)
	f.handle(t, command(t, "s:PAYMENT:COMPENSATE", 1, model.CommandCompensate, nil), true)

	assert.Equal(t, model.PaymentRefunded, f.payments.ByOrder(1).Status)
	assert.Equal(t, int64(5000), f.wallet.Balance(3))
	assert.Equal(t, []string{model.LedgerCharge, model.LedgerRefund}, f.ledger.Ops())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 2)
	assert.Equal(t, model.StepPaymentCompensate, rs[1].StepName)
	assert.True(t, rs[1].Success)

	// a second refund command for the same order gives nothing back twice
	f.handle(t, command(t, "other-event", 1, model.CommandCompensate, nil), true)
	assert.Equal(t, int64(5000), f.wallet.Balance(3))
	assert.True(t, replies(t, f.outbox)[2].Success)
}

func TestRefundWithoutChargeSucceeds(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)

	f.handle(t, command(t, "s:PAYMENT:COMPENSATE", 9, model.CommandCompensate, nil), true)

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Success)
	assert.Nil(t, rs[0].ResultID)
}

func expectAdmit(mock sqlmock.Sqlmock, consumer, eventID string) {
	mock.ExpectExec(`INSERT IGNORE INTO processed_events`).
		WithArgs(consumer, eventID).WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectFailureReplyFlow declares the rolled back attempt followed by the
// fresh transaction that records the processed id and the failure reply.
func expectFailureReplyFlow(mock sqlmock.Sqlmock, consumer, eventID string) {
	mock.ExpectBegin()
	expectAdmit(mock, consumer, eventID)
	mock.ExpectRollback()
	mock.ExpectBegin()
	expectAdmit(mock, consumer, eventID)
	mock.ExpectCommit()
}

func TestActionErrorBecomesFailureReply(t *testing.T) {
	f := newPaymentFixture(t, 5000, repository.NewProcessedEventsRepository(), nil)
	f.wallet.FailLookup = errors.New("lock wait timeout")

	expectFailureReplyFlow(f.mock, PaymentConsumer, "e1")
	require.NoError(t, f.svc.Handle(ctx, command(t, "e1", 1, model.CommandProcess, charge1500)))
	require.NoError(t, f.mock.ExpectationsWereMet())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Success)
	assert.Equal(t, GenericFailureReason, *rs[0].FailureReason)
	assert.Zero(t, f.payments.Count())
}

type panickingPayments struct{ repotest.Payments }

func (p *panickingPayments) GetByOrderForUpdate(context.Context, *sqlx.Tx, int64) (*model.Payment, error) {
	panic("nil map write")
}

func TestPanicBecomesFailureReply(t *testing.T) {
	f := newPaymentFixture(t, 5000, repository.NewProcessedEventsRepository(), &panickingPayments{})

	expectFailureReplyFlow(f.mock, PaymentConsumer, "e1")
	require.NotPanics(t, func() {
		require.NoError(t, f.svc.Handle(ctx, command(t, "e1", 1, model.CommandProcess, charge1500)))
	})
	require.NoError(t, f.mock.ExpectationsWereMet())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.Equal(t, model.StepPayment, rs[0].StepName)
	assert.Equal(t, GenericFailureReason, *rs[0].FailureReason)
}

func TestMalformedPayloadBecomesFailureReply(t *testing.T) {
	f := newPaymentFixture(t, 5000, repository.NewProcessedEventsRepository(), nil)
	cmd := command(t, "e1", 1, model.CommandProcess, nil)
	cmd.Payload = []byte(`{"amount":"lots"}`)

	expectFailureReplyFlow(f.mock, PaymentConsumer, "e1")
	require.NoError(t, f.svc.Handle(ctx, cmd))
	require.NoError(t, f.mock.ExpectationsWereMet())

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Success)
}

// A redelivery racing the failure path finds the id already recorded and
// leaves the reply to the other delivery.
func TestFailurePathYieldsToConcurrentDelivery(t *testing.T) {
	f := newPaymentFixture(t, 5000, repository.NewProcessedEventsRepository(), &panickingPayments{})

	f.mock.ExpectBegin()
	expectAdmit(f.mock, PaymentConsumer, "e1")
	f.mock.ExpectRollback()
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT IGNORE INTO processed_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectRollback()

	require.NoError(t, f.svc.Handle(ctx, command(t, "e1", 1, model.CommandProcess, charge1500)))
	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Empty(t, replies(t, f.outbox))
}

func TestInfraErrorIsReturnedForRetry(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)
	f.mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := f.svc.Handle(ctx, command(t, "e1", 1, model.CommandProcess, charge1500))
	assert.Error(t, err)
	assert.Empty(t, replies(t, f.outbox))
}

func TestUnknownCommandTypeIsMalformed(t *testing.T) {
	f := newPaymentFixture(t, 5000, nil, nil)

	err := f.svc.Handle(ctx, command(t, "e1", 1, model.CommandType("REFUND"), nil))
	assert.ErrorIs(t, err, ErrMalformedCommand)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
