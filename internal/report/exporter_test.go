package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

var ctx = context.Background()

type memFeed struct {
	rows []repository.SagaTransitionExport
}

func (f *memFeed) After(_ context.Context, afterID int64, limit int) ([]repository.SagaTransitionExport, error) {
	var out []repository.SagaTransitionExport
	for _, r := range f.rows {
		if r.TransitionID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type memSink struct {
	mu      sync.Mutex
	written []repository.SagaTransitionExport
	err     error
}

func (s *memSink) Watermark(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var top int64
	for _, r := range s.written {
		if r.TransitionID > top {
			top = r.TransitionID
		}
	}
	return top, nil
}

func (s *memSink) Write(wctx context.Context, rows []repository.SagaTransitionExport) error {
	if _, ok := wctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, rows...)
	return nil
}

func (s *memSink) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.written))
	for _, r := range s.written {
		out = append(out, r.TransitionID)
	}
	return out
}

func transitions(sagaID string, states ...model.SagaState) []repository.SagaTransitionExport {
	var out []repository.SagaTransitionExport
	from := model.SagaCreated
	for i, to := range states {
		out = append(out, repository.SagaTransitionExport{
			TransitionID: int64(i + 1), SagaID: sagaID, OrderID: 1, CustomerID: 3,
			FromState: from, ToState: to, Seq: uint64(i + 1), CreatedAt: time.Now(),
		})
		from = to
	}
	return out
}

func newLease(t *testing.T) *lock.FencingLock {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return lock.New(rdb, lock.Options{TTL: 5 * time.Second})
}

func TestRunOnceResumesFromWatermark(t *testing.T) {
	feed := &memFeed{rows: transitions("s1",
		model.SagaAwaitingPayment, model.SagaPaymentOK, model.SagaAwaitingDelivery, model.SagaCompleted)}
	sink := &memSink{}
	e := NewExporter(feed, sink, newLease(t), Config{BatchSize: 3}, zap.NewNop())

	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1, 2, 3, 4}, sink.ids())

	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceRetriesBatchAfterSinkError(t *testing.T) {
	feed := &memFeed{rows: transitions("s1", model.SagaAwaitingPayment, model.SagaFailed)}
	sink := &memSink{err: errors.New("clickhouse down")}
	e := NewExporter(feed, sink, newLease(t), Config{}, zap.NewNop())

	_, err := e.RunOnce(ctx)
	require.Error(t, err)
	assert.Empty(t, sink.ids())

	sink.err = nil
	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, sink.ids())
}

func TestRunOnceSkipsWhileAnotherExporterHoldsLease(t *testing.T) {
	feed := &memFeed{rows: transitions("s1", model.SagaAwaitingPayment)}
	sink := &memSink{}
	lease := newLease(t)

	held, err := lease.Acquire(ctx, "saga-report-export")
	require.NoError(t, err)

	e := NewExporter(feed, sink, lease, Config{}, zap.NewNop())
	n, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.ids())

	require.NoError(t, lease.Release(ctx, held))
	n, err = e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
