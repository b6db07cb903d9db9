package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// SagaReportFilter narrows the ClickHouse saga report.
type SagaReportFilter struct {
	CustomerID int64
	State      model.SagaState
	Limit      int
	Offset     int
}

// SagaReportRow is one saga with its latest state, as replicated into ClickHouse.
type SagaReportRow struct {
	SagaID      string          `db:"saga_id" json:"saga_id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	CustomerID  int64           `db:"customer_id" json:"customer_id"`
	State       model.SagaState `db:"state" json:"state"`
	Transitions uint64          `db:"transitions" json:"transitions"`
	StartedAt   string          `db:"started_at" json:"started_at"`
	UpdatedAt   string          `db:"updated_at" json:"updated_at"`
}

// CHSagasRepository lists sagas from the ClickHouse read model filled by the
// report exporter.
type CHSagasRepository interface {
	List(ctx context.Context, f SagaReportFilter) ([]SagaReportRow, error)
}

type chSagasRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHSagasRepository(ch *sqlx.DB) CHSagasRepository {
	return &chSagasRepository{ch: ch}
}

func (r *chSagasRepository) List(ctx context.Context, f SagaReportFilter) ([]SagaReportRow, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT saga_id, order_id, customer_id, state, transitions,
		       toString(started_at) AS started_at, toString(updated_at) AS updated_at
		FROM sagas.sagas_latest FINAL
		WHERE customer_id = ?
	`
	args := []any{f.CustomerID}

	if f.State != "" {
		q += " AND state = ?"
		args = append(args, f.State.String())
	}

	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []SagaReportRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// CHSagaSink appends exported transitions to ClickHouse.
type CHSagaSink interface {
	// Watermark is the highest transition id already written, 0 when empty.
	Watermark(ctx context.Context) (int64, error)
	Write(ctx context.Context, rows []SagaTransitionExport) error
}

type chSagaSink struct {
	ch *sqlx.DB
}

func NewCHSagaSink(ch *sqlx.DB) CHSagaSink {
	return &chSagaSink{ch: ch}
}

func (r *chSagaSink) Watermark(ctx context.Context) (int64, error) {
	var id int64
	if err := r.ch.GetContext(ctx, &id, `SELECT toInt64(max(transition_id)) FROM sagas.transitions`); err != nil {
		return 0, err
	}
	return id, nil
}

// Write sends the latest-state rows first and the transitions last, so the
// watermark only moves once both landed. Re-sent sagas_latest rows collapse in
// the ReplacingMergeTree.
func (r *chSagaSink) Write(ctx context.Context, rows []SagaTransitionExport) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.batch(ctx, `
		INSERT INTO sagas.sagas_latest
			(saga_id, order_id, customer_id, state, transitions, started_at, updated_at)
	`, rows, func(t SagaTransitionExport) []any {
		return []any{t.SagaID, t.OrderID, t.CustomerID, t.ToState.String(), t.Seq, t.StartedAt, t.CreatedAt}
	})
	if err != nil {
		return fmt.Errorf("write sagas_latest: %w", err)
	}
	err = r.batch(ctx, `
		INSERT INTO sagas.transitions
			(transition_id, saga_id, order_id, customer_id, from_state, to_state, cause, created_at)
	`, rows, func(t SagaTransitionExport) []any {
		return []any{uint64(t.TransitionID), t.SagaID, t.OrderID, t.CustomerID,
			t.FromState.String(), t.ToState.String(), t.Cause, t.CreatedAt}
	})
	if err != nil {
		return fmt.Errorf("write transitions: %w", err)
	}
	return nil
}

// batch is one ClickHouse block insert: a prepared statement inside a tx.
func (r *chSagaSink) batch(ctx context.Context, query string, rows []SagaTransitionExport, args func(SagaTransitionExport) []any) error {
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range rows {
		if _, err := stmt.ExecContext(ctx, args(t)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}
