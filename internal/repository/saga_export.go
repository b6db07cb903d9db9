package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// SagaTransitionExport is one saga_transitions row with the order and saga
// columns the ClickHouse report needs.
type SagaTransitionExport struct {
	TransitionID int64           `db:"transition_id"`
	SagaID       string          `db:"saga_id"`
	OrderID      int64           `db:"order_id"`
	CustomerID   int64           `db:"customer_id"`
	FromState    model.SagaState `db:"from_state"`
	ToState      model.SagaState `db:"to_state"`
	Cause        string          `db:"cause"`
	Seq          uint64          `db:"seq"` // transitions of the saga up to and including this one
	StartedAt    time.Time       `db:"started_at"`
	CreatedAt    time.Time       `db:"created_at"`
}

// TransitionFeed reads the MySQL transition log in id order.
type TransitionFeed interface {
	After(ctx context.Context, afterID int64, limit int) ([]SagaTransitionExport, error)
}

type TransitionFeedImpl struct {
	db *sqlx.DB
}

func NewTransitionFeed(db *sqlx.DB) *TransitionFeedImpl {
	return &TransitionFeedImpl{db: db}
}

var _ TransitionFeed = (*TransitionFeedImpl)(nil)

func (r *TransitionFeedImpl) After(ctx context.Context, afterID int64, limit int) ([]SagaTransitionExport, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []SagaTransitionExport
	err := r.db.SelectContext(ctx, &rows, `
		SELECT t.id AS transition_id, t.saga_id, t.order_id, o.customer_id,
		       t.from_state, t.to_state, t.cause,
		       (SELECT COUNT(*) FROM saga_transitions x
		         WHERE x.saga_id = t.saga_id AND x.id <= t.id) AS seq,
		       s.created_at AS started_at, t.created_at
		  FROM saga_transitions t
		  JOIN sagas s  ON s.id = t.saga_id
		  JOIN orders o ON o.id = t.order_id
		 WHERE t.id > ?
		 ORDER BY t.id
		 LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
