package participant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository/repotest"
)

const repliesTopic = "saga.replies"

func replies(t *testing.T, ob *repotest.Outbox) []model.SagaReply {
	t.Helper()
	var out []model.SagaReply
	for _, ev := range ob.ByTopic(repliesTopic) {
		var r model.SagaReply
		require.NoError(t, json.Unmarshal(ev.Payload, &r))
		out = append(out, r)
	}
	return out
}

func command(t *testing.T, eventID string, orderID int64, ct model.CommandType, payload any) model.Command {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	return model.Command{EventID: eventID, SagaID: "saga-1", OrderID: orderID, CommandType: ct, Payload: raw}
}

var ctx = context.Background()
