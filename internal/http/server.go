package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/config"
	"github.com/jmehdipour/delivery-saga/internal/http/middleware"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
	"github.com/jmehdipour/delivery-saga/internal/service/ordering"
)

// OrderService places orders and tops up wallets.
type OrderService interface {
	PlaceOrder(ctx context.Context, customerID int64, req ordering.PlaceOrderRequest) (*model.Saga, error)
	Topup(ctx context.Context, customerID, amount int64, requestID string) (ordering.TopupResult, error)
}

// SagaService reads and re-drives sagas.
type SagaService interface {
	Get(ctx context.Context, sagaID string) (*model.Saga, []model.SagaTransition, error)
	Redrive(ctx context.Context, sagaID string) (string, error)
	CommandStatus(ctx context.Context, s *model.Saga) (model.OutboxStatus, error)
}

// Reassigner re-runs rider assignment for a delivery.
type Reassigner interface {
	Reassign(ctx context.Context, deliveryID int64) (*model.Delivery, error)
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Customers  repository.CustomersRepository
	Orders     repository.OrdersRepository
	Deliveries repository.DeliveriesRepository
	Reports    repository.CHSagasRepository
	Ordering   OrderService
	Sagas      SagaService
	Reassigner Reassigner
	Redis      redis.Cmdable
	Gatherer   prometheus.Gatherer
	Log        *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	authMW := middleware.APIKeyMiddleware(d.Customers, d.Log)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:cust:",
		RetryAfterHint: true,
	})

	h := &handlers{deps: d, log: d.Log}

	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/orders", h.placeOrder)
	v1.GET("/orders/:id", h.getOrder)
	v1.GET("/sagas/:id", h.getSaga)
	v1.POST("/sagas/:id/redrive", h.redriveSaga)
	v1.POST("/deliveries/:id/reassign", h.reassignDelivery)
	v1.GET("/reports/sagas", h.listSagas)
	v1.POST("/wallet/topup", h.topup)

	return &Server{e: e, log: d.Log}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

type handlers struct {
	deps Deps
	log  *zap.Logger
}
