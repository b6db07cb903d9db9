package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// SagasRepository persists saga instances and their transition log.
type SagasRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, s model.Saga) error
	Get(ctx context.Context, id string) (*model.Saga, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Saga, error)
	// CompareAndSetState moves the saga from -> to. It reports false when the
	// stored state is no longer from.
	CompareAndSetState(ctx context.Context, tx *sqlx.Tx, id string, from, to model.SagaState, lastCommandEventID, failureReason *string) (bool, error)
	AppendTransition(ctx context.Context, tx *sqlx.Tx, t model.SagaTransition) error
	ListTransitions(ctx context.Context, id string) ([]model.SagaTransition, error)
}

type SagasRepositoryImpl struct {
	db *sqlx.DB
}

func NewSagasRepository(db *sqlx.DB) *SagasRepositoryImpl {
	return &SagasRepositoryImpl{db: db}
}

var _ SagasRepository = (*SagasRepositoryImpl)(nil)

func (r *SagasRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, s model.Saga) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sagas (id, order_id, state, last_command_event_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(3), NOW(3))
	`, s.ID, s.OrderID, s.State.String(), s.LastCommandEventID)
	return err
}

func (r *SagasRepositoryImpl) Get(ctx context.Context, id string) (*model.Saga, error) {
	var s model.Saga
	err := r.db.GetContext(ctx, &s, `
		SELECT id, order_id, state, last_command_event_id, failure_reason, created_at, updated_at
		  FROM sagas
		 WHERE id = ?
	`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SagasRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Saga, error) {
	var s model.Saga
	err := tx.GetContext(ctx, &s, `
		SELECT id, order_id, state, last_command_event_id, failure_reason, created_at, updated_at
		  FROM sagas
		 WHERE id = ?
		 FOR UPDATE
	`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SagasRepositoryImpl) CompareAndSetState(ctx context.Context, tx *sqlx.Tx, id string, from, to model.SagaState, lastCommandEventID, failureReason *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE sagas
		   SET state = ?,
		       last_command_event_id = COALESCE(?, last_command_event_id),
		       failure_reason = COALESCE(?, failure_reason),
		       updated_at = NOW(3)
		 WHERE id = ? AND state = ?
	`, to.String(), lastCommandEventID, failureReason, id, from.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SagasRepositoryImpl) AppendTransition(ctx context.Context, tx *sqlx.Tx, t model.SagaTransition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_transitions (saga_id, order_id, from_state, to_state, cause, created_at)
		VALUES (?, ?, ?, ?, ?, NOW(3))
	`, t.SagaID, t.OrderID, t.FromState.String(), t.ToState.String(), t.Cause)
	return err
}

func (r *SagasRepositoryImpl) ListTransitions(ctx context.Context, id string) ([]model.SagaTransition, error) {
	var rows []model.SagaTransition
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, saga_id, order_id, from_state, to_state, cause, created_at
		  FROM saga_transitions
		 WHERE saga_id = ?
		 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
