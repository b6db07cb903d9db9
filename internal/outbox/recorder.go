package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

const (
	EventTypeCommand = "SagaCommand"
	EventTypeReply   = "SagaReply"
)

// Recorder writes outbound messages into the outbox as part of the caller's
// business transaction. It never talks to the broker.
type Recorder struct {
	repo repository.OutboxRepository
}

func NewRecorder(repo repository.OutboxRepository) *Recorder {
	return &Recorder{repo: repo}
}

// RecordOutbound inserts msg within tx.
func (r *Recorder) RecordOutbound(ctx context.Context, tx *sqlx.Tx, msg model.OutboundMessage) error {
	if tx == nil {
		return fmt.Errorf("record outbound %s: no transaction", msg.EventID)
	}
	if err := r.repo.Insert(ctx, tx, msg); err != nil {
		return fmt.Errorf("record outbound %s: %w", msg.EventID, err)
	}
	return nil
}

// RecordCommand stores cmd for topic, keyed by its order id.
func (r *Recorder) RecordCommand(ctx context.Context, tx *sqlx.Tx, topic string, cmd model.Command) error {
	msg, err := CommandMessage(topic, cmd)
	if err != nil {
		return err
	}
	return r.RecordOutbound(ctx, tx, msg)
}

// RecordReply stores reply for topic, keyed by its order id.
func (r *Recorder) RecordReply(ctx context.Context, tx *sqlx.Tx, topic string, reply model.SagaReply) error {
	msg, err := ReplyMessage(topic, reply)
	if err != nil {
		return err
	}
	return r.RecordOutbound(ctx, tx, msg)
}

// Lookup returns the newest outbox row carrying eventID, or nil.
func (r *Recorder) Lookup(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	return r.repo.LatestByEventID(ctx, eventID)
}

func CommandMessage(topic string, cmd model.Command) (model.OutboundMessage, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return model.OutboundMessage{}, fmt.Errorf("marshal command: %w", err)
	}
	return model.OutboundMessage{
		AggregateType: "saga",
		AggregateID:   cmd.SagaID,
		EventType:     EventTypeCommand,
		EventID:       cmd.EventID,
		Topic:         topic,
		MessageKey:    strconv.FormatInt(cmd.OrderID, 10),
		Payload:       payload,
	}, nil
}

func ReplyMessage(topic string, reply model.SagaReply) (model.OutboundMessage, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return model.OutboundMessage{}, fmt.Errorf("marshal reply: %w", err)
	}
	return model.OutboundMessage{
		AggregateType: "order",
		AggregateID:   strconv.FormatInt(reply.OrderID, 10),
		EventType:     EventTypeReply,
		EventID:       reply.EventID,
		Topic:         topic,
		MessageKey:    strconv.FormatInt(reply.OrderID, 10),
		Payload:       payload,
	}, nil
}
