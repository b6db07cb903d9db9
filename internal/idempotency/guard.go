package idempotency

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/metrics"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

// Guard admits each inbound event id at most once per consumer.
type Guard struct {
	consumer string
	repo     repository.ProcessedEventsRepository
	log      *zap.Logger
}

func NewGuard(consumer string, repo repository.ProcessedEventsRepository, log *zap.Logger) *Guard {
	return &Guard{consumer: consumer, repo: repo, log: log}
}

func (g *Guard) Consumer() string { return g.consumer }

// Admit records eventID inside tx and reports whether this is its first
// delivery. The record only becomes durable if tx commits, so a rolled back
// attempt leaves the id free for the next redelivery.
func (g *Guard) Admit(ctx context.Context, tx *sqlx.Tx, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("admit: empty event id")
	}
	ok, err := g.repo.Insert(ctx, tx, g.consumer, eventID)
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", eventID, err)
	}
	if !ok {
		metrics.DuplicatesTotal.WithLabelValues(g.consumer).Inc()
		g.log.Info("duplicate event ignored", zap.String("consumer", g.consumer), zap.String("event_id", eventID))
	}
	return ok, nil
}
