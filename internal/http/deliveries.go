package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/participant"
)

// reassignDelivery competes with the delivery participant for the rider
// assignment. Losing the fenced write is reported as 409 with the row that won.
func (h *handlers) reassignDelivery(c echo.Context) error {
	if _, ok := middleware.CustomerIDFromCtx(c); !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid delivery id")
	}

	cur, err := h.deps.Deliveries.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "load delivery", err)
	}
	if cur == nil {
		return h.fail(c, "load delivery", participant.ErrDeliveryNotFound)
	}
	if _, err := h.ownedOrder(c, cur.OrderID); err != nil {
		if errors.Is(err, errOrderNotFound) {
			err = participant.ErrDeliveryNotFound
		}
		return h.fail(c, "load delivery", err)
	}

	d, err := h.deps.Reassigner.Reassign(c.Request().Context(), id)
	if errors.Is(err, lock.ErrStaleWrite) {
		return c.JSON(http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"delivery": d,
		})
	}
	if err != nil {
		return h.fail(c, "reassign delivery", err)
	}
	return c.JSON(http.StatusOK, d)
}
