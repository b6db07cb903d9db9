package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ProcessedEventsRepository records inbound message ids per consumer.
type ProcessedEventsRepository interface {
	// Insert records eventID for consumer inside tx. It returns false when the
	// id is already present; uniqueness is enforced by the primary key, so two
	// concurrent inserts of the same id serialize on the index and only one wins.
	Insert(ctx context.Context, tx *sqlx.Tx, consumer, eventID string) (bool, error)
}

type processedEventsRepo struct{}

func NewProcessedEventsRepository() ProcessedEventsRepository { return &processedEventsRepo{} }

func (r *processedEventsRepo) Insert(ctx context.Context, tx *sqlx.Tx, consumer, eventID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO processed_events (consumer, event_id, processed_at)
		VALUES (?, ?, NOW(3))
	`, consumer, eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
