package participant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/idempotency"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

const (
	PaymentConsumer = "payment-service"

	reasonInsufficientFunds = "insufficient funds"
	reasonInvalidAmount     = "invalid amount"
)

// Payment charges and refunds customer wallets.
type Payment struct {
	core
	payments repository.PaymentsRepository
	wallet   repository.WalletRepository
	ledger   repository.LedgerRepository
}

func NewPayment(
	db *sqlx.DB,
	processed repository.ProcessedEventsRepository,
	recorder *outbox.Recorder,
	repliesTopic string,
	payments repository.PaymentsRepository,
	wallet repository.WalletRepository,
	ledger repository.LedgerRepository,
	log *zap.Logger,
) *Payment {
	return &Payment{
		core: core{
			name:         "payment",
			db:           db,
			guard:        idempotency.NewGuard(PaymentConsumer, processed, log),
			recorder:     recorder,
			repliesTopic: repliesTopic,
			log:          log,
		},
		payments: payments,
		wallet:   wallet,
		ledger:   ledger,
	}
}

func (p *Payment) Handle(ctx context.Context, cmd model.Command) error {
	switch cmd.CommandType {
	case model.CommandProcess:
		return p.handle(ctx, cmd, model.StepPayment, p.charge)
	case model.CommandCompensate:
		return p.handle(ctx, cmd, model.StepPaymentCompensate, p.refund)
	default:
		return malformed(cmd)
	}
}

func (p *Payment) charge(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (outcome, error) {
	var pl model.PaymentPayload
	if err := json.Unmarshal(cmd.Payload, &pl); err != nil {
		return outcome{}, fmt.Errorf("decode payment payload: %w", err)
	}
	if pl.Amount <= 0 {
		return failedWith(reasonInvalidAmount), nil
	}

	existing, err := p.payments.GetByOrderForUpdate(ctx, tx, cmd.OrderID)
	if err != nil {
		return outcome{}, fmt.Errorf("load payment: %w", err)
	}
	if existing != nil {
		// one payment per order; answer from what is stored
		if existing.Status == model.PaymentDeclined {
			return failedWith(reasonInsufficientFunds), nil
		}
		return succeeded(existing.ID), nil
	}

	if err := p.wallet.UpsertAccount(ctx, tx, pl.CustomerID); err != nil {
		return outcome{}, fmt.Errorf("wallet upsert: %w", err)
	}
	bal, err := p.wallet.GetForUpdate(ctx, tx, pl.CustomerID)
	if err != nil {
		return outcome{}, fmt.Errorf("wallet get for update: %w", err)
	}

	pay := model.Payment{OrderID: cmd.OrderID, CustomerID: pl.CustomerID, Amount: pl.Amount}
	if bal < pl.Amount {
		pay.Status = model.PaymentDeclined
		if _, err := p.payments.Insert(ctx, tx, pay); err != nil {
			return outcome{}, fmt.Errorf("insert declined payment: %w", err)
		}
		return failedWith(reasonInsufficientFunds), nil
	}

	pay.Status = model.PaymentCharged
	id, err := p.payments.Insert(ctx, tx, pay)
	if err != nil {
		return outcome{}, fmt.Errorf("insert payment: %w", err)
	}
	if err := p.wallet.Adjust(ctx, tx, pl.CustomerID, -pl.Amount); err != nil {
		return outcome{}, fmt.Errorf("wallet debit: %w", err)
	}
	if err := p.ledger.InsertCharge(ctx, tx, pl.CustomerID, pl.Amount, id); err != nil {
		return outcome{}, fmt.Errorf("ledger charge: %w", err)
	}
	return succeeded(id), nil
}

// refund reverses a charged payment. Without a charge there is nothing to
// give back, which is a successful compensation.
func (p *Payment) refund(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (outcome, error) {
	pay, err := p.payments.GetByOrderForUpdate(ctx, tx, cmd.OrderID)
	if err != nil {
		return outcome{}, fmt.Errorf("load payment: %w", err)
	}
	if pay == nil {
		return outcome{success: true}, nil
	}
	if pay.Status != model.PaymentCharged {
		return succeeded(pay.ID), nil
	}

	if err := p.wallet.Adjust(ctx, tx, pay.CustomerID, pay.Amount); err != nil {
		return outcome{}, fmt.Errorf("wallet credit: %w", err)
	}
	if err := p.ledger.InsertRefund(ctx, tx, pay.CustomerID, pay.Amount, pay.ID); err != nil {
		return outcome{}, fmt.Errorf("ledger refund: %w", err)
	}
	if err := p.payments.UpdateStatus(ctx, tx, pay.ID, model.PaymentRefunded); err != nil {
		return outcome{}, fmt.Errorf("mark refunded: %w", err)
	}
	return succeeded(pay.ID), nil
}
