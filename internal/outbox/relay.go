package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/kafka"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

// Leaser guards a relay cycle so only one instance publishes at a time.
type Leaser interface {
	Acquire(ctx context.Context, resource string) (*lock.Handle, error)
	Extend(ctx context.Context, h *lock.Handle) error
	Release(ctx context.Context, h *lock.Handle) error
	TTL() time.Duration
}

type RelayConfig struct {
	Interval  time.Duration // default 500ms
	BatchSize int           // default 200
	LockKey   string        // default "outbox-relay"
}

// CycleResult summarizes one relay cycle.
type CycleResult struct {
	Ran       bool
	Published int
	Failed    int
	Skipped   int
}

// Relay polls PENDING outbox rows and publishes them in creation order.
// A row becomes PUBLISHED only after the broker acknowledged it.
type Relay struct {
	repo  repository.OutboxRepository
	pub   kafka.Publisher
	lease Leaser
	cfg   RelayConfig
	log   *zap.Logger
}

func NewRelay(repo repository.OutboxRepository, pub kafka.Publisher, lease Leaser, cfg RelayConfig, log *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "outbox-relay"
	}
	return &Relay{repo: repo, pub: pub, lease: lease, cfg: cfg, log: log}
}

// Run executes a cycle every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.log.Info("outbox relay started",
		zap.Duration("interval", r.cfg.Interval), zap.Int("batch_size", r.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("relay cycle failed", zap.Error(err))
				continue
			}
			if res.Published+res.Failed+res.Skipped > 0 {
				r.log.Debug("relay cycle",
					zap.Int("published", res.Published),
					zap.Int("failed", res.Failed),
					zap.Int("skipped", res.Skipped))
			}
		}
	}
}

// RunOnce runs a single cycle. A cycle whose lease is held elsewhere is a no-op.
func (r *Relay) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	h, err := r.lease.Acquire(ctx, r.cfg.LockKey)
	if errors.Is(err, lock.ErrNotAcquired) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer func() {
		// release on a fresh context so shutdown does not strand the lease until TTL
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.lease.Release(rctx, h); err != nil {
			r.log.Warn("relay lease release failed", zap.Error(err))
		}
	}()
	res.Ran = true

	// a publish never runs past the lease it was started under
	budget := r.lease.TTL() * 2 / 3

	rows, err := r.repo.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	// keys with a failed message this cycle; later messages of the key wait
	blocked := make(map[string]struct{})

	for _, ev := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, ok := blocked[ev.MessageKey]; ok {
			res.Skipped++
			metrics.OutboxTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := r.lease.Extend(ctx, h); err != nil {
			r.log.Warn("relay lease lost, ending cycle",
				zap.Int("published", res.Published), zap.Error(err))
			return res, err
		}

		pctx, cancel := context.WithTimeout(ctx, budget)
		err := r.pub.Publish(pctx, kafka.Record{
			Topic:     ev.Topic,
			Key:       ev.MessageKey,
			EventType: ev.EventType,
			EventID:   ev.EventID,
			Value:     ev.Payload,
		})
		cancel()
		if err != nil {
			blocked[ev.MessageKey] = struct{}{}
			res.Failed++
			metrics.OutboxTotal.WithLabelValues("failed").Inc()
			r.log.Warn("outbox publish failed",
				zap.Int64("outbox_id", ev.ID), zap.String("event_id", ev.EventID),
				zap.Int("attempts", ev.Attempts+1), zap.Error(err))
			if aerr := r.repo.MarkAttempt(ctx, ev.ID); aerr != nil {
				r.log.Warn("outbox mark attempt failed", zap.Int64("outbox_id", ev.ID), zap.Error(aerr))
			}
			continue
		}

		if _, err := r.repo.MarkPublished(ctx, ev.ID); err != nil {
			// stays PENDING and is sent again next cycle; consumers dedupe by event id
			blocked[ev.MessageKey] = struct{}{}
			r.log.Warn("outbox mark published failed", zap.Int64("outbox_id", ev.ID), zap.Error(err))
		}
		res.Published++
		metrics.OutboxTotal.WithLabelValues("published").Inc()
	}

	return res, nil
}
