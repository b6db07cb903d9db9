package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

func (h *handlers) listSagas(c echo.Context) error {
	custID, ok := middleware.CustomerIDFromCtx(c)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	f := repository.SagaReportFilter{CustomerID: custID, Limit: 50}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			f.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("state"))); raw != "" {
		st := model.SagaState(raw)
		if !st.Valid() {
			return errorJSON(c, http.StatusBadRequest, "invalid state")
		}
		f.State = st
	}

	rows, err := h.deps.Reports.List(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, "clickhouse saga report", err)
	}
	if rows == nil {
		rows = []repository.SagaReportRow{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"limit":   f.Limit,
		"offset":  f.Offset,
		"count":   len(rows),
		"results": rows,
	})
}
