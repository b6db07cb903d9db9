// Package repotest provides in-memory repositories for tests. They ignore the
// transaction argument: writes are visible immediately and are not undone by
// a rollback, so tests that depend on rollback use the sqlx implementations
// against sqlmock instead.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/delivery-saga/internal/lock"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

// NewMockDB returns a sqlx handle over sqlmock; tests declare Begin/Commit/Rollback.
func NewMockDB(t testing.TB) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func ptr[T any](v T) *T { return &v }

// ---- Outbox ----

type Outbox struct {
	mu   sync.Mutex
	next int64
	Rows []model.OutboxEvent
}

var _ repository.OutboxRepository = (*Outbox)(nil)

func (o *Outbox) Insert(_ context.Context, _ *sqlx.Tx, msg model.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	o.Rows = append(o.Rows, model.OutboxEvent{
		ID: o.next, AggregateType: msg.AggregateType, AggregateID: msg.AggregateID,
		EventType: msg.EventType, EventID: msg.EventID, Topic: msg.Topic,
		MessageKey: msg.MessageKey, Payload: msg.Payload, Status: model.OutboxPending,
		CreatedAt: time.Now(),
	})
	return nil
}

func (o *Outbox) FetchPending(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.OutboxEvent
	for _, r := range o.Rows {
		if r.Status == model.OutboxPending && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (o *Outbox) MarkPublished(_ context.Context, id int64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.Rows {
		if o.Rows[i].ID == id && o.Rows[i].Status == model.OutboxPending {
			o.Rows[i].Status = model.OutboxPublished
			o.Rows[i].Attempts++
			return true, nil
		}
	}
	return false, nil
}

func (o *Outbox) MarkAttempt(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.Rows {
		if o.Rows[i].ID == id {
			o.Rows[i].Attempts++
		}
	}
	return nil
}

func (o *Outbox) LatestByEventID(_ context.Context, eventID string) (*model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.Rows) - 1; i >= 0; i-- {
		if o.Rows[i].EventID == eventID {
			ev := o.Rows[i]
			return &ev, nil
		}
	}
	return nil, nil
}

// Drain returns the rows recorded for topic since the last Drain of that topic.
func (o *Outbox) Drain(topic string) []model.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.OutboxEvent
	for i := range o.Rows {
		if o.Rows[i].Topic == topic && o.Rows[i].Status == model.OutboxPending {
			o.Rows[i].Status = model.OutboxPublished
			out = append(out, o.Rows[i])
		}
	}
	return out
}

// ByTopic returns every row recorded for topic.
func (o *Outbox) ByTopic(topic string) []model.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.OutboxEvent
	for _, r := range o.Rows {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// ---- Processed events ----

type ProcessedEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

var _ repository.ProcessedEventsRepository = (*ProcessedEvents)(nil)

func (p *ProcessedEvents) Insert(_ context.Context, _ *sqlx.Tx, consumer, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = map[string]bool{}
	}
	k := consumer + "|" + eventID
	if p.seen[k] {
		return false, nil
	}
	p.seen[k] = true
	return true, nil
}

// ---- Sagas ----

type Sagas struct {
	mu          sync.Mutex
	rows        map[string]model.Saga
	transitions []model.SagaTransition
}

var _ repository.SagasRepository = (*Sagas)(nil)

func (s *Sagas) Insert(_ context.Context, _ *sqlx.Tx, sg model.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = map[string]model.Saga{}
	}
	if _, ok := s.rows[sg.ID]; ok {
		return fmt.Errorf("duplicate saga %s", sg.ID)
	}
	sg.CreatedAt, sg.UpdatedAt = time.Now(), time.Now()
	s.rows[sg.ID] = sg
	return nil
}

func (s *Sagas) Get(_ context.Context, id string) (*model.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &sg, nil
}

func (s *Sagas) GetForUpdate(ctx context.Context, _ *sqlx.Tx, id string) (*model.Saga, error) {
	return s.Get(ctx, id)
}

func (s *Sagas) CompareAndSetState(_ context.Context, _ *sqlx.Tx, id string, from, to model.SagaState, lastCmd, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.rows[id]
	if !ok || sg.State != from {
		return false, nil
	}
	sg.State = to
	if lastCmd != nil {
		sg.LastCommandEventID = ptr(*lastCmd)
	}
	if reason != nil {
		sg.FailureReason = ptr(*reason)
	}
	sg.UpdatedAt = time.Now()
	s.rows[id] = sg
	return true, nil
}

func (s *Sagas) AppendTransition(_ context.Context, _ *sqlx.Tx, t model.SagaTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.transitions) + 1)
	t.CreatedAt = time.Now()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *Sagas) ListTransitions(_ context.Context, id string) ([]model.SagaTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SagaTransition
	for _, t := range s.transitions {
		if t.SagaID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

// Only returns the single stored saga; tests use it after Start.
func (s *Sagas) Only() model.Saga {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sg := range s.rows {
		return sg
	}
	return model.Saga{}
}

// Visited returns the states entered by the saga, in order, starting with CREATED.
func (s *Sagas) Visited(id string) []model.SagaState {
	ts, _ := s.ListTransitions(context.Background(), id)
	out := []model.SagaState{model.SagaCreated}
	for _, t := range ts {
		out = append(out, t.ToState)
	}
	return out
}

// ---- Orders ----

type Orders struct {
	mu   sync.Mutex
	next int64
	rows map[int64]model.Order
}

var _ repository.OrdersRepository = (*Orders)(nil)

func (o *Orders) Insert(_ context.Context, _ *sqlx.Tx, ord model.Order) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rows == nil {
		o.rows = map[int64]model.Order{}
	}
	o.next++
	ord.ID = o.next
	ord.Status = model.OrderPending
	o.rows[ord.ID] = ord
	return ord.ID, nil
}

func (o *Orders) Get(_ context.Context, id int64) (*model.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ord, ok := o.rows[id]
	if !ok {
		return nil, nil
	}
	return &ord, nil
}

func (o *Orders) UpdateStatus(_ context.Context, _ *sqlx.Tx, id int64, status model.OrderStatus, reason *string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ord, ok := o.rows[id]
	if !ok {
		return fmt.Errorf("order %d not found", id)
	}
	ord.Status = status
	if reason != nil {
		ord.CancelReason = ptr(*reason)
	}
	o.rows[id] = ord
	return nil
}

// ---- Payments ----

type Payments struct {
	mu   sync.Mutex
	next int64
	rows map[int64]model.Payment // by id
}

var _ repository.PaymentsRepository = (*Payments)(nil)

func (p *Payments) Insert(_ context.Context, _ *sqlx.Tx, pm model.Payment) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rows == nil {
		p.rows = map[int64]model.Payment{}
	}
	for _, r := range p.rows {
		if r.OrderID == pm.OrderID {
			return 0, fmt.Errorf("duplicate payment for order %d", pm.OrderID)
		}
	}
	p.next++
	pm.ID = p.next
	p.rows[pm.ID] = pm
	return pm.ID, nil
}

func (p *Payments) GetByOrderForUpdate(_ context.Context, _ *sqlx.Tx, orderID int64) (*model.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.rows {
		if r.OrderID == orderID {
			return &r, nil
		}
	}
	return nil, nil
}

func (p *Payments) UpdateStatus(_ context.Context, _ *sqlx.Tx, id int64, status model.PaymentStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rows[id]
	if !ok {
		return fmt.Errorf("payment %d not found", id)
	}
	r.Status = status
	p.rows[id] = r
	return nil
}

// ByOrder returns the payment of orderID, or nil.
func (p *Payments) ByOrder(orderID int64) *model.Payment {
	r, _ := p.GetByOrderForUpdate(context.Background(), nil, orderID)
	return r
}

// Count returns the number of stored payments.
func (p *Payments) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

// ---- Deliveries ----

type Deliveries struct {
	mu   sync.Mutex
	next int64
	rows map[int64]model.Delivery

	// BeforeAssign, when set, runs inside AssignFenced before the predicate is
	// evaluated; tests use it to slip in a competing writer.
	BeforeAssign func(id int64)
	// SnapshotReads makes GetTx answer from the first copy it returned for an
	// id, like a plain SELECT under REPEATABLE READ. GetByOrderTx stays a
	// current read.
	SnapshotReads bool
	snapshots     map[int64]model.Delivery
}

var _ repository.DeliveriesRepository = (*Deliveries)(nil)

func (d *Deliveries) Create(_ context.Context, _ *sqlx.Tx, orderID int64, address string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rows == nil {
		d.rows = map[int64]model.Delivery{}
	}
	for _, r := range d.rows {
		if r.OrderID == orderID {
			return r.ID, nil
		}
	}
	d.next++
	d.rows[d.next] = model.Delivery{ID: d.next, OrderID: orderID, Address: address, Status: model.DeliveryPending}
	return d.next, nil
}

func (d *Deliveries) Get(_ context.Context, id int64) (*model.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (d *Deliveries) GetTx(ctx context.Context, _ *sqlx.Tx, id int64) (*model.Delivery, error) {
	if !d.SnapshotReads {
		return d.Get(ctx, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if snap, ok := d.snapshots[id]; ok {
		return &snap, nil
	}
	r, ok := d.rows[id]
	if !ok {
		return nil, nil
	}
	if d.snapshots == nil {
		d.snapshots = map[int64]model.Delivery{}
	}
	d.snapshots[id] = r
	return &r, nil
}

func (d *Deliveries) GetByOrderTx(_ context.Context, _ *sqlx.Tx, orderID int64) (*model.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.rows {
		if r.OrderID == orderID {
			return &r, nil
		}
	}
	return nil, nil
}

func (d *Deliveries) UpdateStatus(_ context.Context, _ *sqlx.Tx, id int64, status model.DeliveryStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[id]
	if !ok {
		return fmt.Errorf("delivery %d not found", id)
	}
	r.Status = status
	d.rows[id] = r
	return nil
}

func (d *Deliveries) AssignFenced(_ context.Context, _ *sqlx.Tx, id, riderID, token int64) (int64, error) {
	if d.BeforeAssign != nil {
		hook := d.BeforeAssign
		d.BeforeAssign = nil
		hook(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[id]
	if !ok || !lock.Supersedes(r.LastFencingToken, token) {
		return 0, nil
	}
	r.RiderID = ptr(riderID)
	r.LastFencingToken = ptr(token)
	r.Status = model.DeliveryAssigned
	d.rows[id] = r
	return 1, nil
}

// ForceToken stores token as if a newer writer had already committed.
func (d *Deliveries) ForceToken(id, riderID, token int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.rows[id]
	r.RiderID = ptr(riderID)
	r.LastFencingToken = ptr(token)
	r.Status = model.DeliveryAssigned
	d.rows[id] = r
}

// ---- Wallet + ledger ----

type Wallet struct {
	mu       sync.Mutex
	balances map[int64]int64
	// FailLookup and FailAdjust simulate infrastructure errors mid-transaction.
	FailLookup error
	FailAdjust error
}

var _ repository.WalletRepository = (*Wallet)(nil)

func NewWallet(balances map[int64]int64) *Wallet {
	return &Wallet{balances: balances}
}

func (w *Wallet) UpsertAccount(_ context.Context, _ *sqlx.Tx, customerID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances == nil {
		w.balances = map[int64]int64{}
	}
	if _, ok := w.balances[customerID]; !ok {
		w.balances[customerID] = 0
	}
	return nil
}

func (w *Wallet) GetForUpdate(_ context.Context, _ *sqlx.Tx, customerID int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailLookup != nil {
		return 0, w.FailLookup
	}
	return w.balances[customerID], nil
}

func (w *Wallet) Adjust(_ context.Context, _ *sqlx.Tx, customerID, delta int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailAdjust != nil {
		return w.FailAdjust
	}
	w.balances[customerID] += delta
	return nil
}

func (w *Wallet) Balance(customerID int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[customerID]
}

type LedgerEntry struct {
	Op         string
	CustomerID int64
	Amount     int64
	Key        string
}

type Ledger struct {
	mu      sync.Mutex
	Entries []LedgerEntry
}

var _ repository.LedgerRepository = (*Ledger)(nil)

func (l *Ledger) ExistsByIdem(_ context.Context, _ *sqlx.Tx, idem string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if e.Key == idem {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) insert(op string, customerID, amount int64, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if e.Key == key {
			return nil
		}
	}
	l.Entries = append(l.Entries, LedgerEntry{Op: op, CustomerID: customerID, Amount: amount, Key: key})
	return nil
}

func (l *Ledger) InsertTopup(_ context.Context, _ *sqlx.Tx, customerID, amount int64, idem string) error {
	return l.insert(model.LedgerTopup, customerID, amount, idem)
}

func (l *Ledger) InsertCharge(_ context.Context, _ *sqlx.Tx, customerID, amount, paymentID int64) error {
	return l.insert(model.LedgerCharge, customerID, amount, fmt.Sprintf("charge-%d", paymentID))
}

func (l *Ledger) InsertRefund(_ context.Context, _ *sqlx.Tx, customerID, amount, paymentID int64) error {
	return l.insert(model.LedgerRefund, customerID, amount, fmt.Sprintf("refund-%d", paymentID))
}

// Ops returns the ledger operations in insertion order.
func (l *Ledger) Ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.Op)
	}
	return out
}

// ---- Customers ----

type Customers struct {
	ByKey map[string]model.Customer
	next  int64
}

var _ repository.CustomersRepository = (*Customers)(nil)

func (c *Customers) Upsert(_ context.Context, _ *sqlx.Tx, cust model.Customer) (int64, error) {
	if c.ByKey == nil {
		c.ByKey = map[string]model.Customer{}
	}
	if prev, ok := c.ByKey[cust.APIKey]; ok {
		cust.ID = prev.ID
	} else {
		c.next++
		cust.ID = c.next
	}
	c.ByKey[cust.APIKey] = cust
	return cust.ID, nil
}

func (c *Customers) GetByAPIKey(_ context.Context, apiKey string) (*model.Customer, error) {
	cust, ok := c.ByKey[apiKey]
	if !ok {
		return nil, nil
	}
	return &cust, nil
}

// ---- ClickHouse report ----

type SagaReports struct {
	Rows    []repository.SagaReportRow
	LastArg repository.SagaReportFilter
	Err     error
}

var _ repository.CHSagasRepository = (*SagaReports)(nil)

func (s *SagaReports) List(_ context.Context, f repository.SagaReportFilter) ([]repository.SagaReportRow, error) {
	s.LastArg = f
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]repository.SagaReportRow(nil), s.Rows...), nil
}

// ErrBoom is a generic infrastructure error for tests.
var ErrBoom = errors.New("boom")
