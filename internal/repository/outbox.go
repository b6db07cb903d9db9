package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, msg model.OutboundMessage) error
	// FetchPending returns up to limit PENDING rows, oldest first.
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	// MarkPublished flips a PENDING row to PUBLISHED. It reports false when the
	// row was already published by an overlapping relay run.
	MarkPublished(ctx context.Context, id int64) (bool, error)
	// MarkAttempt bumps the attempt counter of a row that failed to publish.
	MarkAttempt(ctx context.Context, id int64) error
	// LatestByEventID returns the most recent row carrying eventID, or nil.
	LatestByEventID(ctx context.Context, eventID string) (*model.OutboxEvent, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, event_id, topic, message_key,
	payload, status, attempts, created_at, published_at`

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, msg model.OutboundMessage) error {
	const q = `
		INSERT INTO outbox
		    (aggregate_type, aggregate_id, event_type, event_id, topic, message_key, payload, status, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, 'PENDING', NOW(3))
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			msg.AggregateType, msg.AggregateID, msg.EventType, msg.EventID,
			msg.Topic, msg.MessageKey, msg.Payload,
		)
		return err
	})
}

func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox
		 WHERE status = 'PENDING'
		 ORDER BY created_at, id
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET status = 'PUBLISHED', published_at = NOW(3), attempts = attempts + 1
		 WHERE id = ? AND status = 'PENDING'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboxRepositoryImpl) MarkAttempt(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ? AND status = 'PENDING'`, id)
	return err
}

func (r *OutboxRepositoryImpl) LatestByEventID(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT `+outboxColumns+`
		  FROM outbox
		 WHERE event_id = ?
		 ORDER BY id DESC
		 LIMIT 1
	`, eventID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
