package middleware

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/repository"
)

const (
	HeaderAPIKey = "X-API-Key"

	keyCustomerID  = "customer_id"
	keyCustomerRPS = "customer_rps"
)

// CustomerIDFromCtx extracts the customer id set by APIKeyMiddleware.
func CustomerIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(keyCustomerID).(int64)
	return id, ok && id > 0
}

// APIKeyMiddleware authenticates requests by X-API-Key. Suspended customers
// are refused; the per-customer rate limit, if any, is handed to the limiter.
func APIKeyMiddleware(customers repository.CustomersRepository, log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}

			cu, err := customers.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				log.Error("api key lookup failed", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if cu == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			if !cu.Active() {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "customer suspended"})
			}

			c.Set(keyCustomerID, cu.ID)
			if cu.RateLimitRPS != nil {
				c.Set(keyCustomerRPS, *cu.RateLimitRPS)
			}
			return next(c)
		}
	}
}
