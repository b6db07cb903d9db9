package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/dispatcher"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/participant"
	"github.com/jmehdipour/delivery-saga/internal/saga"
	"github.com/jmehdipour/delivery-saga/internal/service/ordering"
)

var errOrderNotFound = errors.New("order not found")

type errStatus struct {
	err  error
	code int
}

var statusOf = []errStatus{
	{ordering.ErrInvalidAmount, http.StatusBadRequest},
	{ordering.ErrInvalidCurrency, http.StatusBadRequest},
	{ordering.ErrInvalidAddress, http.StatusBadRequest},
	{ordering.ErrInvalidPhone, http.StatusBadRequest},
	{ordering.ErrInvalidTopup, http.StatusBadRequest},
	{errOrderNotFound, http.StatusNotFound},
	{saga.ErrSagaNotFound, http.StatusNotFound},
	{participant.ErrDeliveryNotFound, http.StatusNotFound},
	{saga.ErrSagaTerminal, http.StatusConflict},
	{saga.ErrNothingToRedrive, http.StatusConflict},
	{participant.ErrDeliveryClosed, http.StatusConflict},
	{lock.ErrNotAcquired, http.StatusConflict},
	{dispatcher.ErrNoRider, http.StatusServiceUnavailable},
	{dispatcher.ErrNoHealthy, http.StatusServiceUnavailable},
	{dispatcher.ErrNoAcquire, http.StatusServiceUnavailable},
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// fail maps known errors to their status; anything else is logged and
// reported as a 500 without details.
func (h *handlers) fail(c echo.Context, op string, err error) error {
	for _, s := range statusOf {
		if errors.Is(err, s.err) {
			return errorJSON(c, s.code, s.err.Error())
		}
	}
	h.log.Error(op+" failed", zap.Error(err))
	return errorJSON(c, http.StatusInternalServerError, "internal error")
}
