package http

import (
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
)

type topupReq struct {
	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id"`
}

// topup credits the caller's wallet; a repeated request_id is answered
// without a second credit.
func (h *handlers) topup(c echo.Context) error {
	customerID, ok := middleware.CustomerIDFromCtx(c)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	var req topupReq
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "bad request")
	}

	res, err := h.deps.Ordering.Topup(c.Request().Context(), customerID, req.Amount, req.RequestID)
	if err != nil {
		return h.fail(c, "wallet topup", err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"topup":       true,
		"idempotent":  res.Replayed,
		"amount":      res.Amount,
		"customer_id": res.CustomerID,
		"request_id":  res.RequestID,
	})
}
