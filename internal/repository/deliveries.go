package repository

import (
	"context"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

type DeliveriesRepository interface {
	// Create inserts the delivery for orderID, or returns the id of the existing one.
	Create(ctx context.Context, tx *sqlx.Tx, orderID int64, address string) (int64, error)
	Get(ctx context.Context, id int64) (*model.Delivery, error)
	GetTx(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Delivery, error)
	GetByOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (*model.Delivery, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.DeliveryStatus) error
	// AssignFenced applies the rider assignment only if token is newer than the
	// stored fencing token. It returns the number of rows affected (0 or 1).
	AssignFenced(ctx context.Context, tx *sqlx.Tx, id, riderID, token int64) (int64, error)
}

type DeliveriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) *DeliveriesRepositoryImpl {
	return &DeliveriesRepositoryImpl{db: db}
}

var _ DeliveriesRepository = (*DeliveriesRepositoryImpl)(nil)

const deliveryColumns = `id, order_id, rider_id, status, address, last_fencing_token, created_at, updated_at`

func (r *DeliveriesRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, orderID int64, address string) (int64, error) {
	// LAST_INSERT_ID(id) makes the duplicate branch report the existing row id.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO deliveries (order_id, status, address, created_at, updated_at)
		VALUES (?, 'PENDING', ?, NOW(3), NOW(3))
		ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)
	`, orderID, address)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *DeliveriesRepositoryImpl) Get(ctx context.Context, id int64) (*model.Delivery, error) {
	var d model.Delivery
	err := r.db.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveriesRepositoryImpl) GetTx(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Delivery, error) {
	var d model.Delivery
	err := tx.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveriesRepositoryImpl) GetByOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (*model.Delivery, error) {
	var d model.Delivery
	err := tx.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM deliveries WHERE order_id = ? FOR UPDATE`, orderID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveriesRepositoryImpl) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.DeliveryStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE deliveries SET status = ?, updated_at = NOW(3) WHERE id = ?`, string(status), id)
	return err
}

func (r *DeliveriesRepositoryImpl) AssignFenced(ctx context.Context, tx *sqlx.Tx, id, riderID, token int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE deliveries
		   SET rider_id = ?, status = 'ASSIGNED', last_fencing_token = ?, updated_at = NOW(3)
		 WHERE id = ?
		   AND (last_fencing_token IS NULL OR last_fencing_token < ?)
	`, riderID, token, id, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
