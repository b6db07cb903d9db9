package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/delivery-saga/internal/kafka"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/participant"
)

// ReplyApplier is implemented by saga.Orchestrator.
type ReplyApplier interface {
	HandleReply(ctx context.Context, reply model.SagaReply) error
}

func poison(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPoison, fmt.Sprintf(format, args...))
}

// DecodeCommand parses a command message; undecodable or incomplete commands are poison.
func DecodeCommand(m kafka.Message) (model.Command, error) {
	var cmd model.Command
	if err := json.Unmarshal(m.Value, &cmd); err != nil {
		return cmd, poison("bad command json: %v", err)
	}
	if cmd.EventID == "" || cmd.SagaID == "" {
		return cmd, poison("command missing ids")
	}
	if !cmd.CommandType.Valid() {
		return cmd, poison("unknown command type %q", cmd.CommandType)
	}
	return cmd, nil
}

// DecodeReply parses a reply message; undecodable or incomplete replies are poison.
func DecodeReply(m kafka.Message) (model.SagaReply, error) {
	var r model.SagaReply
	if err := json.Unmarshal(m.Value, &r); err != nil {
		return r, poison("bad reply json: %v", err)
	}
	if r.EventID == "" || r.SagaID == "" {
		return r, poison("reply missing ids")
	}
	if !r.StepName.Valid() {
		return r, poison("unknown step %q", r.StepName)
	}
	return r, nil
}

// CommandHandler adapts a participant to the consumer loop.
func CommandHandler(h participant.Handler) MessageHandler {
	return func(ctx context.Context, m kafka.Message) error {
		cmd, err := DecodeCommand(m)
		if err != nil {
			return err
		}
		err = h.Handle(ctx, cmd)
		if errors.Is(err, participant.ErrMalformedCommand) {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return err
	}
}

// ReplyHandler adapts the orchestrator to the consumer loop.
func ReplyHandler(o ReplyApplier) MessageHandler {
	return func(ctx context.Context, m kafka.Message) error {
		r, err := DecodeReply(m)
		if err != nil {
			return err
		}
		return o.HandleReply(ctx, r)
	}
}
