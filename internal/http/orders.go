package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/service/ordering"
)

type placeOrderReq struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Address  string `json:"address"`
	Phone    string `json:"phone"`
}

func (h *handlers) placeOrder(c echo.Context) error {
	custID, ok := middleware.CustomerIDFromCtx(c)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	var req placeOrderReq
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "bad request")
	}

	sg, err := h.deps.Ordering.PlaceOrder(c.Request().Context(), custID, ordering.PlaceOrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Address:  req.Address,
		Phone:    req.Phone,
	})
	if err != nil {
		return h.fail(c, "place order", err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"order_id": sg.OrderID,
		"saga_id":  sg.ID,
		"state":    sg.State,
	})
}

// ownedOrder loads orderID, hiding orders of other customers.
func (h *handlers) ownedOrder(c echo.Context, orderID int64) (*model.Order, error) {
	custID, _ := middleware.CustomerIDFromCtx(c)
	o, err := h.deps.Orders.Get(c.Request().Context(), orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if o == nil || o.CustomerID != custID {
		return nil, errOrderNotFound
	}
	return o, nil
}

func pathID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *handlers) getOrder(c echo.Context) error {
	if _, ok := middleware.CustomerIDFromCtx(c); !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}
	id, ok := pathID(c)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid order id")
	}

	o, err := h.ownedOrder(c, id)
	if err != nil {
		return h.fail(c, "get order", err)
	}
	return c.JSON(http.StatusOK, o)
}
