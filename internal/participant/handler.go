// Package participant holds the command handlers of the payment and delivery
// services. Each command is admitted once, produces exactly one reply, and
// its business rows, reply and processed-event record commit together.
package participant

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/idempotency"
	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/util"
)

// ErrMalformedCommand marks a command that can never be handled; the
// transport commits and skips it.
var ErrMalformedCommand = errors.New("malformed command")

// GenericFailureReason is sent when the business action failed unexpectedly.
const GenericFailureReason = "internal error while processing command"

// Handler processes one command delivered by the transport.
type Handler interface {
	Handle(ctx context.Context, cmd model.Command) error
}

type outcome struct {
	success  bool
	reason   string
	resultID *int64
}

func succeeded(resultID int64) outcome { return outcome{success: true, resultID: &resultID} }
func failedWith(reason string) outcome { return outcome{reason: reason} }

type action func(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (outcome, error)

type core struct {
	name         string
	db           *sqlx.DB
	guard        *idempotency.Guard
	recorder     *outbox.Recorder
	repliesTopic string
	log          *zap.Logger
}

// handle runs act under the guard. An error or panic inside act rolls the
// transaction back; a second transaction then records the event as processed
// together with a failure reply, so the saga is never left waiting.
func (c *core) handle(ctx context.Context, cmd model.Command, step model.StepName, act action) error {
	actErr, err := c.run(ctx, cmd, step, act)
	if err != nil {
		return err
	}
	if actErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		// shutting down; the command is redelivered after restart
		return ctx.Err()
	}

	c.log.Error("command action failed",
		zap.String("event_id", cmd.EventID),
		zap.String("saga_id", cmd.SagaID),
		zap.Int64("order_id", cmd.OrderID),
		zap.String("command", string(cmd.CommandType)),
		zap.Error(actErr))

	return c.replyFailure(ctx, cmd, step)
}

func (c *core) run(ctx context.Context, cmd model.Command, step model.StepName, act action) (actErr error, err error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := c.guard.Admit(ctx, tx, cmd.EventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	out, actErr := c.safely(ctx, tx, cmd, act)
	if actErr != nil {
		return actErr, nil
	}

	if err := c.reply(ctx, tx, cmd, step, out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := "success"
	if !out.success {
		result = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(c.name, string(cmd.CommandType), result).Inc()
	c.log.Info("command handled",
		zap.String("event_id", cmd.EventID),
		zap.String("saga_id", cmd.SagaID),
		zap.Int64("order_id", cmd.OrderID),
		zap.String("command", string(cmd.CommandType)),
		zap.Bool("success", out.success),
		zap.String("reason", out.reason))
	return nil, nil
}

func (c *core) safely(ctx context.Context, tx *sqlx.Tx, cmd model.Command, act action) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command action panicked",
				zap.String("event_id", cmd.EventID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return act(ctx, tx, cmd)
}

func (c *core) replyFailure(ctx context.Context, cmd model.Command, step model.StepName) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := c.guard.Admit(ctx, tx, cmd.EventID)
	if err != nil {
		return err
	}
	if !ok {
		// a concurrent delivery got there first
		return nil
	}
	if err := c.reply(ctx, tx, cmd, step, failedWith(GenericFailureReason)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.CommandsTotal.WithLabelValues(c.name, string(cmd.CommandType), "failure").Inc()
	return nil
}

func (c *core) reply(ctx context.Context, tx *sqlx.Tx, cmd model.Command, step model.StepName, out outcome) error {
	r := model.SagaReply{
		EventID:  util.NewEventID(),
		SagaID:   cmd.SagaID,
		OrderID:  cmd.OrderID,
		StepName: step,
		Success:  out.success,
		ResultID: out.resultID,
	}
	if !out.success {
		reason := out.reason
		r.FailureReason = &reason
	}
	return c.recorder.RecordReply(ctx, tx, c.repliesTopic, r)
}

func malformed(cmd model.Command) error {
	return fmt.Errorf("%w: command type %q (event %s)", ErrMalformedCommand, cmd.CommandType, cmd.EventID)
}
