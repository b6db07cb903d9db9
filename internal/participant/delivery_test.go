package participant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/dispatcher"
	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/outbox"
	"github.com/jmehdipour/delivery-saga/internal/repository/repotest"
)

type stubLocator struct {
	mu     sync.Mutex
	riders []int64
	err    error
}

func (s *stubLocator) Locate(context.Context, dispatcher.LocateRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	r := s.riders[0]
	if len(s.riders) > 1 {
		s.riders = s.riders[1:]
	}
	return r, nil
}

type deliveryFixture struct {
	svc        *Delivery
	mock       sqlmock.Sqlmock
	outbox     *repotest.Outbox
	deliveries *repotest.Deliveries
	locator    *stubLocator
	fence      *lock.FencingLock
	redis      *miniredis.Miniredis
}

func newDeliveryFixture(t *testing.T, riders ...int64) *deliveryFixture {
	t.Helper()
	db, mock := repotest.NewMockDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &deliveryFixture{
		mock:       mock,
		outbox:     &repotest.Outbox{},
		deliveries: &repotest.Deliveries{},
		locator:    &stubLocator{riders: riders},
		fence:      lock.New(rdb, lock.Options{TTL: time.Second, WaitAttempts: 2, WaitDelay: time.Millisecond}),
		redis:      mr,
	}
	f.svc = NewDelivery(db, &repotest.ProcessedEvents{}, outbox.NewRecorder(f.outbox), repliesTopic,
		f.deliveries, f.locator, f.fence, zap.NewNop())
	return f
}

func (f *deliveryFixture) handle(t *testing.T, cmd model.Command) {
	t.Helper()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.Handle(ctx, cmd))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func (f *deliveryFixture) delivery(t *testing.T, id int64) model.Delivery {
	t.Helper()
	d, err := f.deliveries.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return *d
}

var deliverTo = model.DeliveryPayload{CustomerID: 3, Address: "1 Main St", Phone: "+4915112345678"}

func TestDeliveryAssignsRider(t *testing.T) {
	f := newDeliveryFixture(t, 7)

	f.handle(t, command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo))

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.Equal(t, model.StepDelivery, rs[0].StepName)
	assert.True(t, rs[0].Success)
	require.NotNil(t, rs[0].ResultID)

	d := f.delivery(t, *rs[0].ResultID)
	assert.Equal(t, model.DeliveryAssigned, d.Status)
	assert.Equal(t, int64(7), *d.RiderID)
	assert.Equal(t, int64(1), *d.LastFencingToken)

	// the lease is released after the write
	assert.False(t, f.redis.Exists("lock:delivery:1"))
}

func TestDeliveryWithoutRiderFails(t *testing.T) {
	f := newDeliveryFixture(t)
	f.locator.err = dispatcher.ErrNoRider

	f.handle(t, command(t, "s:DELIVERY:PROCESS", 2, model.CommandProcess, deliverTo))

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.False(t, rs[0].Success)
	assert.Equal(t, ReasonNoRider, *rs[0].FailureReason)

	d := f.delivery(t, 1)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Nil(t, d.RiderID)
}

// A concurrent writer commits a newer token between our acquisition and our
// write; our write is rejected and the reply follows the stored row.
func TestDeliveryStaleWriteRepliesFromStoredRow(t *testing.T) {
	f := newDeliveryFixture(t, 7)
	// the handler's first read pins a PENDING snapshot
	f.deliveries.SnapshotReads = true
	f.deliveries.BeforeAssign = func(id int64) { f.deliveries.ForceToken(id, 99, 100) }

	f.handle(t, command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo))

	rs := replies(t, f.outbox)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Success)
	require.NotNil(t, rs[0].ResultID)
	assert.Equal(t, int64(1), *rs[0].ResultID)

	d := f.delivery(t, 1)
	assert.Equal(t, int64(99), *d.RiderID)
	assert.Equal(t, int64(100), *d.LastFencingToken)
}

// Writer A's lease expires mid-operation, B acquires a newer token and
// writes; A's late write must not overwrite B.
func TestExpiredLeaseHolderCannotOverwrite(t *testing.T) {
	f := newDeliveryFixture(t)
	id, err := f.deliveries.Create(ctx, nil, 5, "1 Main St")
	require.NoError(t, err)

	a, err := f.fence.Acquire(ctx, fenceKey(id))
	require.NoError(t, err)

	f.redis.FastForward(2 * time.Second)

	b, err := f.fence.Acquire(ctx, fenceKey(id))
	require.NoError(t, err)
	require.Greater(t, b.Token, a.Token)

	n, err := f.deliveries.AssignFenced(ctx, nil, id, 20, b.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.deliveries.AssignFenced(ctx, nil, id, 10, a.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	d := f.delivery(t, id)
	assert.Equal(t, int64(20), *d.RiderID)
	assert.Equal(t, b.Token, *d.LastFencingToken)
}

func TestReassignUsesNewerToken(t *testing.T) {
	f := newDeliveryFixture(t, 7, 8)
	f.handle(t, command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	d, err := f.svc.Reassign(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *d.RiderID)
	assert.Equal(t, int64(2), *d.LastFencingToken)
}

func TestReassignLosesToNewerWriter(t *testing.T) {
	f := newDeliveryFixture(t, 7, 8)
	f.handle(t, command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo))
	f.deliveries.BeforeAssign = func(id int64) { f.deliveries.ForceToken(id, 9, 50) }

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	d, err := f.svc.Reassign(ctx, 1)
	assert.ErrorIs(t, err, lock.ErrStaleWrite)
	require.NotNil(t, d)
	assert.Equal(t, int64(9), *d.RiderID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReassignRejectsMissingAndCancelled(t *testing.T) {
	f := newDeliveryFixture(t, 7)

	_, err := f.svc.Reassign(ctx, 42)
	assert.ErrorIs(t, err, ErrDeliveryNotFound)

	id, err := f.deliveries.Create(ctx, nil, 3, "x")
	require.NoError(t, err)
	require.NoError(t, f.deliveries.UpdateStatus(ctx, nil, id, model.DeliveryCancelled))
	_, err = f.svc.Reassign(ctx, id)
	assert.ErrorIs(t, err, ErrDeliveryClosed)
}

func TestReassignWithoutRider(t *testing.T) {
	f := newDeliveryFixture(t)
	id, err := f.deliveries.Create(ctx, nil, 3, "x")
	require.NoError(t, err)
	f.locator.err = dispatcher.ErrNoRider

	_, err = f.svc.Reassign(ctx, id)
	assert.ErrorIs(t, err, dispatcher.ErrNoRider)
}

func TestDeliveryCompensateCancels(t *testing.T) {
	f := newDeliveryFixture(t, 7)
	f.handle(t, command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo))

	f.handle(t, command(t, "s:DELIVERY:COMPENSATE", 1, model.CommandCompensate, nil))

	assert.Equal(t, model.DeliveryCancelled, f.delivery(t, 1).Status)
	rs := replies(t, f.outbox)
	require.Len(t, rs, 2)
	assert.False(t, rs[1].Success)
	assert.Equal(t, "delivery cancelled", *rs[1].FailureReason)
	assert.Equal(t, int64(1), *rs[1].ResultID)
}

func TestDeliveryDuplicateCommandIsIgnored(t *testing.T) {
	f := newDeliveryFixture(t, 7, 8)
	cmd := command(t, "s:DELIVERY:PROCESS", 1, model.CommandProcess, deliverTo)
	f.handle(t, cmd)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	require.NoError(t, f.svc.Handle(ctx, cmd))

	assert.Len(t, replies(t, f.outbox), 1)
	assert.Equal(t, int64(7), *f.delivery(t, 1).RiderID)
}
