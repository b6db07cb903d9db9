package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/dispatcher"
	"github.com/jmehdipour/delivery-saga/internal/idempotency"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

const (
	DeliveryConsumer = "delivery-service"

	ReasonNoRider        = "no rider available"
	reasonCancelled      = "delivery cancelled"
	reasonAssignmentLost = "delivery assignment superseded"
)

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrDeliveryClosed   = errors.New("delivery is cancelled")
)

// Locator finds a free rider for a delivery.
type Locator interface {
	Locate(ctx context.Context, req dispatcher.LocateRequest) (int64, error)
}

// Fencer hands out leases carrying fencing tokens.
type Fencer interface {
	AcquireWait(ctx context.Context, resource string) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) error
}

// Delivery creates deliveries and assigns riders through fenced writes.
type Delivery struct {
	core
	deliveries repository.DeliveriesRepository
	locator    Locator
	fencer     Fencer
}

func NewDelivery(
	db *sqlx.DB,
	processed repository.ProcessedEventsRepository,
	recorder *outbox.Recorder,
	repliesTopic string,
	deliveries repository.DeliveriesRepository,
	locator Locator,
	fencer Fencer,
	log *zap.Logger,
) *Delivery {
	return &Delivery{
		core: core{
			name:         "delivery",
			db:           db,
			guard:        idempotency.NewGuard(DeliveryConsumer, processed, log),
			recorder:     recorder,
			repliesTopic: repliesTopic,
			log:          log,
		},
		deliveries: deliveries,
		locator:    locator,
		fencer:     fencer,
	}
}

func (d *Delivery) Handle(ctx context.Context, cmd model.Command) error {
	switch cmd.CommandType {
	case model.CommandProcess:
		return d.handle(ctx, cmd, model.StepDelivery, d.process)
	case model.CommandCompensate:
		return d.handle(ctx, cmd, model.StepDelivery, d.cancel)
	default:
		return malformed(cmd)
	}
}

func fenceKey(deliveryID int64) string { return "delivery:" + strconv.FormatInt(deliveryID, 10) }

func (d *Delivery) process(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (outcome, error) {
	var pl model.DeliveryPayload
	if err := json.Unmarshal(cmd.Payload, &pl); err != nil {
		return outcome{}, fmt.Errorf("decode delivery payload: %w", err)
	}

	id, err := d.deliveries.Create(ctx, tx, cmd.OrderID, pl.Address)
	if err != nil {
		return outcome{}, fmt.Errorf("create delivery: %w", err)
	}
	cur, err := d.deliveries.GetTx(ctx, tx, id)
	if err != nil {
		return outcome{}, fmt.Errorf("load delivery: %w", err)
	}
	if cur != nil && cur.Status == model.DeliveryAssigned {
		return succeeded(id), nil
	}

	riderID, err := d.locator.Locate(ctx, dispatcher.LocateRequest{
		OrderID: cmd.OrderID, DeliveryID: id, Address: pl.Address, Phone: pl.Phone,
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		d.log.Warn("rider lookup failed", zap.Int64("delivery_id", id), zap.Error(err))
		if err := d.deliveries.UpdateStatus(ctx, tx, id, model.DeliveryFailed); err != nil {
			return outcome{}, fmt.Errorf("mark delivery failed: %w", err)
		}
		return failedWith(ReasonNoRider), nil
	}

	won, err := d.assign(ctx, tx, id, riderID)
	if err != nil {
		return outcome{}, err
	}
	if won {
		return succeeded(id), nil
	}

	// a newer writer owns the row; answer from what it stored. The locking
	// read sees its commit, a plain SELECT would return our snapshot.
	cur, err = d.deliveries.GetByOrderTx(ctx, tx, cmd.OrderID)
	if err != nil {
		return outcome{}, fmt.Errorf("re-read delivery: %w", err)
	}
	if cur != nil && cur.Status == model.DeliveryAssigned {
		return succeeded(id), nil
	}
	return failedWith(reasonAssignmentLost), nil
}

// cancel is the reversing action. The orchestrator never sends it in the
// fixed topology; a cancelled delivery answers as a failed delivery step.
func (d *Delivery) cancel(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (outcome, error) {
	cur, err := d.deliveries.GetByOrderTx(ctx, tx, cmd.OrderID)
	if err != nil {
		return outcome{}, fmt.Errorf("load delivery: %w", err)
	}
	if cur != nil && cur.Status != model.DeliveryCancelled {
		if err := d.deliveries.UpdateStatus(ctx, tx, cur.ID, model.DeliveryCancelled); err != nil {
			return outcome{}, fmt.Errorf("cancel delivery: %w", err)
		}
	}
	out := failedWith(reasonCancelled)
	if cur != nil {
		id := cur.ID
		out.resultID = &id
	}
	return out, nil
}

// assign takes a fresh fencing token for the delivery and writes the rider
// with it. It reports false when a newer token is already stored.
func (d *Delivery) assign(ctx context.Context, tx *sqlx.Tx, deliveryID, riderID int64) (bool, error) {
	h, err := d.fencer.AcquireWait(ctx, fenceKey(deliveryID))
	if err != nil {
		return false, fmt.Errorf("fence delivery %d: %w", deliveryID, err)
	}
	defer func() {
		if err := d.fencer.Release(context.WithoutCancel(ctx), h); err != nil {
			d.log.Warn("fence release failed", zap.Int64("delivery_id", deliveryID), zap.Error(err))
		}
	}()

	n, err := d.deliveries.AssignFenced(ctx, tx, deliveryID, riderID, h.Token)
	if err != nil {
		return false, fmt.Errorf("fenced assign: %w", err)
	}
	if n == 0 {
		metrics.StaleWritesTotal.Inc()
		d.log.Info("fenced write rejected",
			zap.Int64("delivery_id", deliveryID), zap.Int64("token", h.Token), zap.Error(lock.ErrStaleWrite))
		return false, nil
	}
	return true, nil
}

// Reassign looks up a new rider for an existing delivery and writes it under
// a new fencing token. It competes with the command handler; when it loses
// the row is returned with lock.ErrStaleWrite.
func (d *Delivery) Reassign(ctx context.Context, deliveryID int64) (*model.Delivery, error) {
	cur, err := d.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrDeliveryNotFound
	}
	if cur.Status == model.DeliveryCancelled {
		return cur, ErrDeliveryClosed
	}

	riderID, err := d.locator.Locate(ctx, dispatcher.LocateRequest{
		OrderID: cur.OrderID, DeliveryID: cur.ID, Address: cur.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("locate rider: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	won, err := d.assign(ctx, tx, deliveryID, riderID)
	if err != nil {
		return nil, err
	}
	if !won {
		latest, err := d.deliveries.Get(ctx, deliveryID)
		if err != nil {
			return nil, err
		}
		return latest, lock.ErrStaleWrite
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.log.Info("delivery reassigned", zap.Int64("delivery_id", deliveryID), zap.Int64("rider_id", riderID))
	return d.deliveries.Get(ctx, deliveryID)
}
