package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

func TestRecordCommandWritesWithinTx(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "sqlmock")

	cmd := model.Command{EventID: "s1:PAYMENT:PROCESS", SagaID: "s1", OrderID: 9, CommandType: model.CommandProcess}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs("saga", "s1", EventTypeCommand, "s1:PAYMENT:PROCESS", "saga.payment.commands", "9", payload).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)

	rec := NewRecorder(repository.NewOutboxRepository(db))
	require.NoError(t, rec.RecordCommand(ctx, tx, "saga.payment.commands", cmd))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutboundRequiresTx(t *testing.T) {
	rec := NewRecorder(&memOutbox{})
	err := rec.RecordOutbound(context.Background(), nil, model.OutboundMessage{EventID: "x"})
	assert.Error(t, err)
}

func TestReplyMessageKeyIsOrderID(t *testing.T) {
	reason := "insufficient funds"
	msg, err := ReplyMessage("saga.replies", model.SagaReply{
		EventID: "01J", SagaID: "s1", OrderID: 77, StepName: model.StepPayment, FailureReason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, "77", msg.MessageKey)
	assert.Equal(t, EventTypeReply, msg.EventType)

	var back map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &back))
	assert.Equal(t, "PAYMENT", back["stepName"])
	assert.Equal(t, false, back["success"])
	assert.Equal(t, reason, back["failureReason"])
	assert.Nil(t, back["resultId"])
}
