// Package report copies the MySQL saga transition log into the ClickHouse
// read model behind GET /v1/reports/sagas.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

// Leaser keeps a single exporter writing at a time.
type Leaser interface {
	Acquire(ctx context.Context, resource string) (*lock.Handle, error)
	Extend(ctx context.Context, h *lock.Handle) error
	Release(ctx context.Context, h *lock.Handle) error
	TTL() time.Duration
}

type Config struct {
	Interval  time.Duration // default 2s
	BatchSize int           // default 500
	LockKey   string        // default "saga-report-export"
}

// Exporter resumes from the highest transition id ClickHouse already holds,
// so a crash between batches re-sends at most one batch.
type Exporter struct {
	feed  repository.TransitionFeed
	sink  repository.CHSagaSink
	lease Leaser
	cfg   Config
	log   *zap.Logger
}

func NewExporter(feed repository.TransitionFeed, sink repository.CHSagaSink, lease Leaser, cfg Config, log *zap.Logger) *Exporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "saga-report-export"
	}
	return &Exporter{feed: feed, sink: sink, lease: lease, cfg: cfg, log: log}
}

// Run exports every interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()

	e.log.Info("report exporter started", zap.Duration("interval", e.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := e.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.log.Warn("report export failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.log.Debug("report export", zap.Int("transitions", n))
			}
		}
	}
}

// RunOnce exports one batch and returns how many transitions it wrote.
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	h, err := e.lease.Acquire(ctx, e.cfg.LockKey)
	if errors.Is(err, lock.ErrNotAcquired) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := e.lease.Release(context.WithoutCancel(ctx), h); err != nil {
			e.log.Warn("report lease release failed", zap.Error(err))
		}
	}()

	after, err := e.sink.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	rows, err := e.feed.After(ctx, after, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read transitions after %d: %w", after, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := e.lease.Extend(ctx, h); err != nil {
		return 0, err
	}
	wctx, cancel := context.WithTimeout(ctx, e.lease.TTL()*2/3)
	defer cancel()
	if err := e.sink.Write(wctx, rows); err != nil {
		return 0, err
	}

	metrics.ReportExportedTotal.Add(float64(len(rows)))
	return len(rows), nil
}
