package ordering

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
	"github.com/jmehdipour/delivery-saga/internal/util"
)

// maxAddressLen matches orders.address and deliveries.address.
const maxAddressLen = 255

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidCurrency = errors.New("currency must be a 3-letter ISO code")
	ErrInvalidAddress  = errors.New("address is required")
	ErrInvalidPhone    = errors.New("phone is not dialable")
	ErrInvalidTopup    = errors.New("invalid topup request")

	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
	phoneRe    = regexp.MustCompile(`^\+\d{8,15}$`)
)

// SagaStarter starts the order saga.
type SagaStarter interface {
	Start(ctx context.Context, order model.Order) (*model.Saga, error)
}

// PlaceOrderRequest is what a customer submits.
type PlaceOrderRequest struct {
	Amount   int64
	Currency string
	Address  string
	Phone    string
}

// TopupResult reports a wallet top-up; Replayed is set when the request id
// was already applied.
type TopupResult struct {
	CustomerID int64
	Amount     int64
	RequestID  string
	Replayed   bool
}

// Service validates customer requests before they reach the saga or the wallet.
type Service struct {
	db     *sqlx.DB
	sagas  SagaStarter
	wallet repository.WalletRepository
	ledger repository.LedgerRepository
	log    *zap.Logger
}

func New(
	db *sqlx.DB,
	sagas SagaStarter,
	walletRepo repository.WalletRepository,
	ledgerRepo repository.LedgerRepository,
	log *zap.Logger,
) *Service {
	return &Service{db: db, sagas: sagas, wallet: walletRepo, ledger: ledgerRepo, log: log}
}

// Normalize trims and canonicalizes the request and checks it.
func (r PlaceOrderRequest) Normalize() (PlaceOrderRequest, error) {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Address = strings.TrimSpace(r.Address)
	r.Phone = util.NormalizePhone(r.Phone)

	switch {
	case r.Amount <= 0:
		return r, ErrInvalidAmount
	case !currencyRe.MatchString(r.Currency):
		return r, ErrInvalidCurrency
	case r.Address == "" || utf8.RuneCountInString(r.Address) > maxAddressLen:
		return r, ErrInvalidAddress
	case !phoneRe.MatchString(r.Phone):
		return r, ErrInvalidPhone
	}
	return r, nil
}

// PlaceOrder starts a saga for a new order of customerID. The wallet is not
// touched here; the payment participant charges it.
func (s *Service) PlaceOrder(ctx context.Context, customerID int64, req PlaceOrderRequest) (*model.Saga, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	sg, err := s.sagas.Start(ctx, model.Order{
		CustomerID: customerID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Address:    req.Address,
		Phone:      req.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("start saga: %w", err)
	}

	s.log.Info("order placed",
		zap.Int64("customer_id", customerID),
		zap.Int64("order_id", sg.OrderID),
		zap.String("saga_id", sg.ID))
	return sg, nil
}

// Topup credits the wallet once per request id.
func (s *Service) Topup(ctx context.Context, customerID, amount int64, requestID string) (TopupResult, error) {
	requestID = strings.TrimSpace(requestID)
	res := TopupResult{CustomerID: customerID, Amount: amount, RequestID: requestID}
	if amount <= 0 || requestID == "" || len(requestID) > 128 {
		return res, ErrInvalidTopup
	}
	idem := "topup-" + requestID

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.wallet.UpsertAccount(ctx, tx, customerID); err != nil {
		return res, fmt.Errorf("wallet upsert: %w", err)
	}

	exists, err := s.ledger.ExistsByIdem(ctx, tx, idem)
	if err != nil {
		return res, fmt.Errorf("ledger lookup: %w", err)
	}
	if exists {
		res.Replayed = true
		return res, tx.Commit()
	}

	if err := s.ledger.InsertTopup(ctx, tx, customerID, amount, idem); err != nil {
		return res, fmt.Errorf("ledger topup: %w", err)
	}
	if err := s.wallet.Adjust(ctx, tx, customerID, amount); err != nil {
		return res, fmt.Errorf("wallet topup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	s.log.Info("wallet topped up", zap.Int64("customer_id", customerID), zap.Int64("amount", amount))
	return res, nil
}
