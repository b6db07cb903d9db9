// Package app wires configuration into connections and saga components for
// the CLI commands.
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/config"
	"github.com/jmehdipour/delivery-saga/internal/db"
	"github.com/jmehdipour/delivery-saga/internal/dispatcher"
	httpSrv "github.com/jmehdipour/delivery-saga/internal/http"
	"github.com/jmehdipour/delivery-saga/internal/kafka"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/logger"
	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/participant"
	"github.com/jmehdipour/delivery-saga/internal/report"
	"github.com/jmehdipour/delivery-saga/internal/repository"
	"github.com/jmehdipour/delivery-saga/internal/saga"
	"github.com/jmehdipour/delivery-saga/internal/service/ordering"
	"github.com/jmehdipour/delivery-saga/internal/worker"
)

var (
	ErrNoProviders  = errors.New("no fleet providers enabled in config")
	ErrNoRedis      = errors.New("redis is not connected")
	ErrNoClickHouse = errors.New("clickhouse is not connected")
)

// Resource is a backing service a command needs. MySQL is always opened.
type Resource int

const (
	Redis Resource = iota + 1
	ClickHouse
	Kafka
)

// App holds the connections of one process.
type App struct {
	Cfg        config.Config
	Log        *zap.Logger
	MySQL      *sqlx.DB
	Redis      *redis.Client
	ClickHouse *sqlx.DB
	Registry   *prometheus.Registry

	producer *kafka.Producer
	closers  []func() error
}

// Open loads the config, initialises logging and metrics, and connects to
// MySQL plus the requested resources.
func Open(cfgPath string, needs ...Resource) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	a := &App{Cfg: cfg, Log: logger.Init(cfg.LogLevel), Registry: reg}

	a.MySQL, err = db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.closers = append(a.closers, a.MySQL.Close)

	opened := make(map[Resource]bool, len(needs))
	for _, n := range needs {
		if opened[n] {
			continue
		}
		opened[n] = true
		switch n {
		case Redis:
			a.Redis, err = db.NewRedisClient(cfg.Redis)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("redis connect: %w", err)
			}
			a.closers = append(a.closers, a.Redis.Close)
		case ClickHouse:
			a.ClickHouse, err = db.NewClickHouseConnection(cfg.ClickHouse)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("clickhouse connect: %w", err)
			}
			a.closers = append(a.closers, a.ClickHouse.Close)
		case Kafka:
			a.producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:      cfg.Kafka.Brokers,
				WriteTimeout: cfg.Kafka.WriteTimeout,
			})
			a.closers = append(a.closers, a.producer.Close)
		}
	}
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Log.Sync()
}

func (a *App) recorder() *outbox.Recorder {
	return outbox.NewRecorder(repository.NewOutboxRepository(a.MySQL))
}

func (a *App) fencingLock(ttl time.Duration) *lock.FencingLock {
	return lock.New(a.Redis, lock.Options{
		KeyPrefix:    a.Cfg.Lock.KeyPrefix,
		TTL:          ttl,
		WaitAttempts: a.Cfg.Lock.WaitAttempts,
		WaitDelay:    a.Cfg.Lock.WaitDelay,
	})
}

// Orchestrator builds the saga orchestrator.
func (a *App) Orchestrator() *saga.Orchestrator {
	return saga.NewOrchestrator(
		a.MySQL,
		repository.NewSagasRepository(a.MySQL),
		repository.NewOrdersRepository(a.MySQL),
		a.recorder(),
		saga.Topics{
			PaymentCommands:  a.Cfg.Topics.PaymentCommands,
			DeliveryCommands: a.Cfg.Topics.DeliveryCommands,
		},
		logger.Named("orchestrator"),
	)
}

// Payment builds the payment participant.
func (a *App) Payment() *participant.Payment {
	return participant.NewPayment(
		a.MySQL,
		repository.NewProcessedEventsRepository(),
		a.recorder(),
		a.Cfg.Topics.Replies,
		repository.NewPaymentsRepository(),
		repository.NewWalletRepository(),
		repository.NewLedgerRepository(),
		logger.Named("payment"),
	)
}

// Dispatcher builds the rider locator over the enabled fleet providers.
func (a *App) Dispatcher() (*dispatcher.Dispatcher, error) {
	var provs []dispatcher.Provider
	for _, pc := range a.Cfg.Providers {
		if !pc.Enabled || strings.TrimSpace(pc.BaseURL) == "" {
			continue
		}
		provs = append(provs, dispatcher.NewHTTPProvider(
			pc.Name,
			strings.TrimRight(pc.BaseURL, "/"),
			pc.LocatePath,
			pc.TimeoutMs,
			pc.Breaker.FailThreshold,
			pc.Breaker.OpenForMs,
		))
	}
	if len(provs) == 0 {
		return nil, ErrNoProviders
	}
	return dispatcher.NewDispatcher(provs, a.Cfg.Fleet.MaxAttempts), nil
}

// Delivery builds the delivery participant. Requires Redis.
func (a *App) Delivery() (*participant.Delivery, error) {
	if a.Redis == nil {
		return nil, ErrNoRedis
	}
	disp, err := a.Dispatcher()
	if err != nil {
		return nil, err
	}
	return participant.NewDelivery(
		a.MySQL,
		repository.NewProcessedEventsRepository(),
		a.recorder(),
		a.Cfg.Topics.Replies,
		repository.NewDeliveriesRepository(a.MySQL),
		disp,
		a.fencingLock(a.Cfg.Lock.TTL),
		logger.Named("delivery"),
	), nil
}

// Relay builds the outbox relay. Requires Redis and Kafka.
func (a *App) Relay() *outbox.Relay {
	return outbox.NewRelay(
		repository.NewOutboxRepository(a.MySQL),
		a.producer,
		a.fencingLock(a.Cfg.Relay.LockTTL),
		outbox.RelayConfig{
			Interval:  a.Cfg.Relay.Interval,
			BatchSize: a.Cfg.Relay.BatchSize,
			LockKey:   a.Cfg.Relay.LockKey,
		},
		logger.Named("relay"),
	)
}

// Exporter builds the ClickHouse report exporter. Requires Redis and ClickHouse.
func (a *App) Exporter() (*report.Exporter, error) {
	if a.Redis == nil {
		return nil, ErrNoRedis
	}
	if a.ClickHouse == nil {
		return nil, ErrNoClickHouse
	}
	return report.NewExporter(
		repository.NewTransitionFeed(a.MySQL),
		repository.NewCHSagaSink(a.ClickHouse),
		a.fencingLock(a.Cfg.Report.LockTTL),
		report.Config{
			Interval:  a.Cfg.Report.Interval,
			BatchSize: a.Cfg.Report.BatchSize,
			LockKey:   a.Cfg.Report.LockKey,
		},
		logger.Named("report"),
	), nil
}

// Consumer builds a partition-sharded consumer of topic. The reader is
// closed with the app.
func (a *App) Consumer(name, topic string, h worker.MessageHandler) *worker.Consumer {
	group := name
	if a.Cfg.Kafka.GroupPrefix != "" {
		group = a.Cfg.Kafka.GroupPrefix + "-" + name
	}
	src := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        a.Cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       a.Cfg.Kafka.MinBytes,
		MaxBytes:       a.Cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(a.Cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	a.closers = append(a.closers, src.Close)

	return worker.NewConsumer(name, src, h, a.Cfg.Consumer.Workers, a.Cfg.Consumer.RetryDelay, logger.Named("consumer"))
}

// HTTPServer builds the API. Requires Redis and ClickHouse.
func (a *App) HTTPServer() (*httpSrv.Server, error) {
	delivery, err := a.Delivery()
	if err != nil {
		return nil, err
	}
	orch := a.Orchestrator()
	svc := ordering.New(
		a.MySQL,
		orch,
		repository.NewWalletRepository(),
		repository.NewLedgerRepository(),
		logger.Named("ordering"),
	)

	return httpSrv.NewServer(a.Cfg, httpSrv.Deps{
		Customers:  repository.NewCustomersRepository(a.MySQL),
		Orders:     repository.NewOrdersRepository(a.MySQL),
		Deliveries: repository.NewDeliveriesRepository(a.MySQL),
		Reports:    repository.NewCHSagasRepository(a.ClickHouse),
		Ordering:   svc,
		Sagas:      orch,
		Reassigner: delivery,
		Redis:      a.Redis,
		Gatherer:   a.Registry,
		Log:        logger.Named("http"),
	}), nil
}
