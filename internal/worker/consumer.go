package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/kafka"
)

// ErrPoison marks a message that can never be handled. It is committed and skipped.
var ErrPoison = errors.New("poison message")

// Source is the part of kafka.Consumer the loop needs.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// MessageHandler processes one message. Errors other than ErrPoison are
// treated as transient and retried.
type MessageHandler func(ctx context.Context, m kafka.Message) error

// Consumer fans messages out to workers by partition, so every partition,
// and therefore every order key, is handled strictly in sequence. An offset
// is committed only after its handler returned nil or the message was poison.
type Consumer struct {
	Name       string
	Source     Source
	Handle     MessageHandler
	Workers    int           // default 8
	RetryDelay time.Duration // default 500ms
	MaxDelay   time.Duration // default 10s

	log *zap.Logger
}

func NewConsumer(name string, src Source, h MessageHandler, workers int, retryDelay time.Duration, log *zap.Logger) *Consumer {
	return &Consumer{
		Name:       name,
		Source:     src,
		Handle:     h,
		Workers:    workers,
		RetryDelay: retryDelay,
		log:        log.With(zap.String("consumer", name)),
	}
}

// Run blocks until ctx is cancelled and all workers have stopped.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Source == nil || c.Handle == nil {
		return fmt.Errorf("consumer %s: source and handler are required", c.Name)
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	lanes := make([]chan kafka.Message, c.Workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
	}

	var wg sync.WaitGroup
	for i := range lanes {
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			c.runLane(ctx, in)
		}(lanes[i])
	}

	c.log.Info("consumer started", zap.Int("workers", c.Workers))

	c.fetchLoop(ctx, lanes)

	for _, l := range lanes {
		close(l)
	}
	wg.Wait()
	c.log.Info("consumer stopped")
	return nil
}

func (c *Consumer) fetchLoop(ctx context.Context, lanes []chan kafka.Message) {
	for {
		m, err := c.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		lane := lanes[m.Partition%len(lanes)]
		select {
		case lane <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) runLane(ctx context.Context, in <-chan kafka.Message) {
	for m := range in {
		if ctx.Err() != nil {
			// drain without handling; uncommitted messages are redelivered
			continue
		}
		c.process(ctx, m)
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) {
	err := retry.Do(
		func() error { return c.Handle(ctx, m) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.RetryDelay),
		retry.MaxDelay(c.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrPoison) }),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("handler failed, retrying",
				zap.Uint("attempt", n+1),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}),
	)

	switch {
	case err == nil:
	case errors.Is(err, ErrPoison):
		c.log.Error("poison message skipped",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.ByteString("key", m.Key),
			zap.Error(err))
	default:
		// only cancellation ends the retry loop; leave the offset for redelivery
		return
	}

	if err := c.Source.Commit(ctx, m); err != nil {
		c.log.Warn("kafka commit failed",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
