package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/saga"
)

type transitionView struct {
	From  model.SagaState `json:"from"`
	To    model.SagaState `json:"to"`
	Cause string          `json:"cause"`
	At    string          `json:"at"`
}

type sagaView struct {
	ID                 string             `json:"saga_id"`
	OrderID            int64              `json:"order_id"`
	State              model.SagaState    `json:"state"`
	LastCommandEventID *string            `json:"last_command_event_id,omitempty"`
	LastCommandStatus  model.OutboxStatus `json:"last_command_status,omitempty"`
	FailureReason      *string            `json:"failure_reason,omitempty"`
	Transitions        []transitionView   `json:"transitions"`
}

// ownedSaga loads the saga and checks its order belongs to the caller.
func (h *handlers) ownedSaga(c echo.Context) (*model.Saga, []model.SagaTransition, error) {
	s, ts, err := h.deps.Sagas.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	if _, err := h.ownedOrder(c, s.OrderID); err != nil {
		if errors.Is(err, errOrderNotFound) {
			return nil, nil, saga.ErrSagaNotFound
		}
		return nil, nil, err
	}
	return s, ts, nil
}

func (h *handlers) getSaga(c echo.Context) error {
	if _, ok := middleware.CustomerIDFromCtx(c); !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	s, ts, err := h.ownedSaga(c)
	if err != nil {
		return h.fail(c, "get saga", err)
	}
	cmdStatus, err := h.deps.Sagas.CommandStatus(c.Request().Context(), s)
	if err != nil {
		return h.fail(c, "get saga", err)
	}

	view := sagaView{
		ID:                 s.ID,
		OrderID:            s.OrderID,
		State:              s.State,
		LastCommandEventID: s.LastCommandEventID,
		LastCommandStatus:  cmdStatus,
		FailureReason:      s.FailureReason,
		Transitions:        make([]transitionView, 0, len(ts)),
	}
	for _, t := range ts {
		view.Transitions = append(view.Transitions, transitionView{
			From:  t.FromState,
			To:    t.ToState,
			Cause: t.Cause,
			At:    t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) redriveSaga(c echo.Context) error {
	if _, ok := middleware.CustomerIDFromCtx(c); !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	s, _, err := h.ownedSaga(c)
	if err != nil {
		return h.fail(c, "redrive saga", err)
	}

	eventID, err := h.deps.Sagas.Redrive(c.Request().Context(), s.ID)
	if err != nil {
		return h.fail(c, "redrive saga", err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"saga_id":          s.ID,
		"state":            s.State,
		"command_event_id": eventID,
	})
}
