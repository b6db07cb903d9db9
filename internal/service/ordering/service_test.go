package ordering

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository/repotest"
)

type fakeStarter struct {
	got []model.Order
	err error
}

func (f *fakeStarter) Start(_ context.Context, o model.Order) (*model.Saga, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, o)
	return &model.Saga{ID: "saga-1", OrderID: int64(len(f.got)), State: model.SagaAwaitingPayment}, nil
}

func validRequest() PlaceOrderRequest {
	return PlaceOrderRequest{Amount: 1500, Currency: " usd ", Address: "  12 Main St ", Phone: "0912 345 6789"}
}

func TestPlaceOrderNormalizesAndStarts(t *testing.T) {
	starter := &fakeStarter{}
	svc := New(nil, starter, nil, nil, zap.NewNop())

	sg, err := svc.PlaceOrder(context.Background(), 7, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "saga-1", sg.ID)

	require.Len(t, starter.got, 1)
	o := starter.got[0]
	assert.Equal(t, int64(7), o.CustomerID)
	assert.Equal(t, int64(1500), o.Amount)
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, "12 Main St", o.Address)
	assert.Equal(t, "+989123456789", o.Phone)
}

func TestPlaceOrderRejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		mutate func(*PlaceOrderRequest)
		want   error
	}{
		"zero amount":      {func(r *PlaceOrderRequest) { r.Amount = 0 }, ErrInvalidAmount},
		"bad currency":     {func(r *PlaceOrderRequest) { r.Currency = "dollars" }, ErrInvalidCurrency},
		"empty address":    {func(r *PlaceOrderRequest) { r.Address = "   " }, ErrInvalidAddress},
		"address too long": {func(r *PlaceOrderRequest) { r.Address = strings.Repeat("a", 256) }, ErrInvalidAddress},
		"short phone":      {func(r *PlaceOrderRequest) { r.Phone = "123" }, ErrInvalidPhone},
		"letters phone":    {func(r *PlaceOrderRequest) { r.Phone = "call me" }, ErrInvalidPhone},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			starter := &fakeStarter{}
			svc := New(nil, starter, nil, nil, zap.NewNop())
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.PlaceOrder(context.Background(), 1, req)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, starter.got)
		})
	}
}

func TestPlaceOrderAcceptsAddressAtColumnWidth(t *testing.T) {
	starter := &fakeStarter{}
	svc := New(nil, starter, nil, nil, zap.NewNop())
	req := validRequest()
	req.Address = strings.Repeat("ß", 255)

	_, err := svc.PlaceOrder(context.Background(), 1, req)
	require.NoError(t, err)
	require.Len(t, starter.got, 1)
	assert.Equal(t, req.Address, starter.got[0].Address)
}

func TestPlaceOrderWrapsStartError(t *testing.T) {
	svc := New(nil, &fakeStarter{err: repotest.ErrBoom}, nil, nil, zap.NewNop())
	_, err := svc.PlaceOrder(context.Background(), 1, validRequest())
	assert.ErrorIs(t, err, repotest.ErrBoom)
}

func TestTopupIsIdempotentPerRequestID(t *testing.T) {
	db, mock := repotest.NewMockDB(t)
	wallet := repotest.NewWallet(map[int64]int64{3: 100})
	ledger := &repotest.Ledger{}
	svc := New(db, nil, wallet, ledger, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectCommit()
	res, err := svc.Topup(context.Background(), 3, 250, " req-1 ")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "req-1", res.RequestID)

	mock.ExpectBegin()
	mock.ExpectCommit()
	res, err = svc.Topup(context.Background(), 3, 250, "req-1")
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	assert.Equal(t, int64(350), wallet.Balance(3))
	assert.Equal(t, []string{model.LedgerTopup}, ledger.Ops())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopupValidatesBeforeTouchingTheDatabase(t *testing.T) {
	db, mock := repotest.NewMockDB(t)
	svc := New(db, nil, repotest.NewWallet(nil), &repotest.Ledger{}, zap.NewNop())

	for _, tc := range []struct {
		amount int64
		id     string
	}{{0, "a"}, {-5, "a"}, {10, "  "}} {
		_, err := svc.Topup(context.Background(), 1, tc.amount, tc.id)
		assert.ErrorIs(t, err, ErrInvalidTopup)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopupRollsBackOnWalletError(t *testing.T) {
	db, mock := repotest.NewMockDB(t)
	wallet := repotest.NewWallet(map[int64]int64{1: 0})
	wallet.FailAdjust = repotest.ErrBoom
	svc := New(db, nil, wallet, &repotest.Ledger{}, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err := svc.Topup(context.Background(), 1, 10, "req")
	assert.ErrorIs(t, err, repotest.ErrBoom)
	require.NoError(t, mock.ExpectationsWereMet())
}
