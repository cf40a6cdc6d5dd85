package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/domain"
	"paycore/internal/gateway"
	"paycore/internal/repository/orders_repo"
	"paycore/internal/repository/outbox_repo"
	"paycore/internal/repository/transactions_repo"
	"paycore/internal/util"
)

const (
	metaInstructions  = "instructions"
	metaFailureReason = "failure_reason"
	metaGatewayError  = "gateway_error"
	metaResolvedBy    = "resolved_by"
	metaConfirmedVia  = "confirmed_via"
)

// WalletLedger is the part of the wallet ledger the engine depends on.
type WalletLedger interface {
	Debit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.Wallet, error)
	Credit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.Wallet, error)
	Get(ctx context.Context, userID int64) (*domain.Wallet, error)
	CheckCredit(ctx context.Context, userID int64, amount decimal.Decimal) error
}

// WalletCache holds read views of wallets. Implementations swallow and log
// their own errors.
type WalletCache interface {
	Get(ctx context.Context, userID int64) (*domain.Wallet, bool)
	Set(ctx context.Context, wallet *domain.Wallet)
	Invalidate(ctx context.Context, userID int64)
}

type Config struct {
	StatusTopic string
	CallbackURL string
}

type Dependencies struct {
	TxManager    domain.TxManager
	Transactions transactions_repo.TransactionRepository
	Orders       orders_repo.OrderRepository
	Outbox       outbox_repo.OutboxRepository
	Ledger       WalletLedger
	Methods      *Registry
	Gateway      gateway.Client
	Retry        Retrier
	Cache        WalletCache
}

type Service struct {
	txManager domain.TxManager
	txns      transactions_repo.TransactionRepository
	orders    orders_repo.OrderRepository
	outbox    outbox_repo.OutboxRepository
	ledger    WalletLedger
	methods   *Registry
	gateway   gateway.Client
	retry     Retrier
	cache     WalletCache
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(deps Dependencies, cfg Config, logger *zap.Logger) *Service {
	cache := deps.Cache
	if cache == nil {
		cache = NopWalletCache{}
	}
	return &Service{
		txManager: deps.TxManager,
		txns:      deps.Transactions,
		orders:    deps.Orders,
		outbox:    deps.Outbox,
		ledger:    deps.Ledger,
		methods:   deps.Methods,
		gateway:   deps.Gateway,
		retry:     deps.Retry,
		cache:     cache,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

type SubmitRequest struct {
	UserID      int64
	OrderID     string
	PlanRef     string
	Amount      decimal.Decimal
	Method      string
	CallbackURL string
	Description string
}

type DepositRequest struct {
	UserID      int64
	Amount      decimal.Decimal
	Method      string
	CallbackURL string
}

type PaymentResult struct {
	Success       bool
	TransactionID string
	Status        domain.TransactionStatus
	Method        domain.PaymentMethod
	Amount        decimal.Decimal
	OrderID       string
	PaymentURL    string
	Authority     string
	RefID         string
	Instructions  map[string]string
}

func resultFrom(txn *domain.Transaction) *PaymentResult {
	return &PaymentResult{
		Success: txn.Status == domain.TransactionStatusPending ||
			txn.Status == domain.TransactionStatusCompleted,
		TransactionID: txn.ID,
		Status:        txn.Status,
		Method:        txn.Method,
		Amount:        txn.Amount,
		OrderID:       txn.OrderRef(),
		PaymentURL:    txn.PaymentURLValue(),
		Authority:     txn.AuthorityValue(),
		RefID:         txn.RefIDValue(),
		Instructions:  instructionsFrom(txn.Metadata),
	}
}

func instructionsFrom(meta map[string]any) map[string]string {
	switch v := meta[metaInstructions].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Service) validate(userID int64, amount decimal.Decimal, rawMethod string) (MethodProcessor, error) {
	if userID <= 0 {
		return nil, domain.ValidationError("user id must be positive")
	}
	if !amount.IsPositive() {
		return nil, domain.ValidationError("amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, domain.ValidationError("amount %s has more than two decimal places", amount)
	}
	method, err := domain.ParsePaymentMethod(rawMethod)
	if err != nil {
		return nil, err
	}
	proc, err := s.methods.Lookup(method)
	if err != nil {
		return nil, err
	}
	if method == domain.PaymentMethodGateway && !amount.IsInteger() {
		return nil, domain.ValidationError("gateway payments need a whole amount, got %s", amount)
	}
	return proc, nil
}

func (s *Service) newTransaction(userID int64, amount decimal.Decimal, kind domain.TransactionKind, method domain.PaymentMethod, orderID *string) *domain.Transaction {
	now := s.now()
	return &domain.Transaction{
		ID:        util.GenerateUUID(),
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		Method:    method,
		Status:    domain.TransactionStatusPending,
		OrderID:   orderID,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Submit pays for an order. The order id is the idempotency key: a completed
// or pending attempt for the same order is returned as is.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*PaymentResult, error) {
	proc, err := s.validate(req.UserID, req.Amount, req.Method)
	if err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		return nil, domain.ValidationError("order id is required")
	}

	var (
		existing *domain.Transaction
		txn      *domain.Transaction
		atomic   atomicResult
	)
	err = s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		order, err := s.lockOrder(ctx, req)
		if err != nil {
			return err
		}

		latest, err := s.txns.GetLatestByOrderID(ctx, order.ID)
		if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}
		if latest != nil && (latest.Status == domain.TransactionStatusCompleted || latest.Status == domain.TransactionStatusPending) {
			existing = latest
			return nil
		}

		orderID := order.ID
		txn = s.newTransaction(req.UserID, req.Amount, domain.TransactionKindPurchase, proc.Method(), &orderID)
		if err := s.txns.Create(ctx, txn); err != nil {
			return err
		}
		if proc.Atomic() {
			atomic, err = s.processAtomic(ctx, txn, proc, ProcessRequest{Description: req.Description, CallbackURL: req.CallbackURL})
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to submit payment", zap.String("order_id", req.OrderID), zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, err
	}

	preq := ProcessRequest{Description: req.Description, CallbackURL: req.CallbackURL}
	if existing != nil {
		s.logger.Info("Order already has an active payment, returning it",
			zap.String("order_id", req.OrderID),
			zap.String("transaction_id", existing.ID),
			zap.String("status", string(existing.Status)))
		// A gateway attempt that never got an authority is asked for one again.
		if existing.Status == domain.TransactionStatusPending && existing.Method == domain.PaymentMethodGateway && existing.Authority == nil {
			if gw, err := s.methods.Lookup(domain.PaymentMethodGateway); err == nil {
				return s.finish(ctx, existing, gw, atomicResult{}, preq)
			}
		}
		return resultFrom(existing), nil
	}

	return s.finish(ctx, txn, proc, atomic, preq)
}

func (s *Service) lockOrder(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	order, err := domain.NewOrder(req.OrderID, req.UserID, req.PlanRef, req.Amount, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.orders.CreateIfAbsent(ctx, order); err != nil {
		return nil, err
	}
	locked, err := s.orders.GetForUpdate(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if locked.UserID != req.UserID {
		return nil, domain.ValidationError("order %s belongs to another user", req.OrderID)
	}
	if !locked.Amount.Equal(req.Amount) {
		return nil, domain.ValidationError("order %s costs %s, not %s", req.OrderID, locked.Amount.StringFixed(2), req.Amount.StringFixed(2))
	}
	return locked, nil
}

// Deposit tops up the user's wallet through a non-wallet method.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*PaymentResult, error) {
	proc, err := s.validate(req.UserID, req.Amount, req.Method)
	if err != nil {
		return nil, err
	}
	if proc.Method() == domain.PaymentMethodWallet {
		return nil, domain.ValidationError("wallet cannot be topped up from itself")
	}
	if err := s.ledger.CheckCredit(ctx, req.UserID, req.Amount); err != nil {
		return nil, err
	}

	preq := ProcessRequest{Description: "wallet deposit", CallbackURL: req.CallbackURL}
	txn := s.newTransaction(req.UserID, req.Amount, domain.TransactionKindDeposit, proc.Method(), nil)

	var atomic atomicResult
	err = s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.txns.Create(ctx, txn); err != nil {
			return err
		}
		if proc.Atomic() {
			var err error
			atomic, err = s.processAtomic(ctx, txn, proc, preq)
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to create deposit", zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, err
	}

	return s.finish(ctx, txn, proc, atomic, preq)
}

type atomicResult struct {
	outcome *Outcome
	// failure is a business failure already recorded on the FAILED row.
	failure error
}

// processAtomic runs proc inside the open database transaction. Business
// failures settle the row as FAILED and are reported in the result so the
// FAILED row is committed; any other error aborts the transaction.
func (s *Service) processAtomic(ctx context.Context, txn *domain.Transaction, proc MethodProcessor, req ProcessRequest) (atomicResult, error) {
	outcome, err := proc.Process(ctx, txn, req)
	if err != nil {
		if !businessFailure(err) {
			return atomicResult{}, err
		}
		if _, _, terr := s.transitionTx(ctx, txn.ID, domain.TransactionStatusFailed, "", failureMeta(err)); terr != nil {
			return atomicResult{}, terr
		}
		return atomicResult{failure: err}, nil
	}

	if outcome.Handle != nil {
		if _, err := s.txns.AttachGateway(ctx, txn.ID, *outcome.Handle, s.now()); err != nil {
			return atomicResult{}, err
		}
	}
	if outcome.Status == domain.TransactionStatusCompleted {
		if _, _, err := s.transitionTx(ctx, txn.ID, domain.TransactionStatusCompleted, "", nil); err != nil {
			return atomicResult{}, err
		}
	}
	return atomicResult{outcome: outcome}, nil
}

func (s *Service) finish(ctx context.Context, txn *domain.Transaction, proc MethodProcessor, atomic atomicResult, req ProcessRequest) (*PaymentResult, error) {
	log := s.logger.With(
		zap.String("transaction_id", txn.ID),
		zap.String("order_id", txn.OrderRef()),
		zap.Int64("user_id", txn.UserID),
		zap.String("method", string(txn.Method)))

	if proc.Atomic() {
		if proc.Method() == domain.PaymentMethodWallet {
			s.cache.Invalidate(ctx, txn.UserID)
		}
		if atomic.failure != nil {
			log.Info("Payment failed", zap.Error(atomic.failure))
			return nil, fmt.Errorf("transaction %s failed: %w", txn.ID, atomic.failure)
		}
		stored, err := s.txns.GetByID(ctx, txn.ID)
		if err != nil {
			return nil, err
		}
		res := resultFrom(stored)
		if atomic.outcome != nil && atomic.outcome.Instructions != nil {
			res.Instructions = atomic.outcome.Instructions
		}
		log.Info("Payment processed", zap.String("status", string(stored.Status)))
		return res, nil
	}

	if req.CallbackURL == "" {
		req.CallbackURL = s.cfg.CallbackURL
	}
	outcome, err := proc.Process(ctx, txn, req)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayError) {
			log.Warn("Gateway rejected the payment, marking transaction failed", zap.Error(err))
			if _, _, serr := s.settle(ctx, txn.ID, domain.TransactionStatusFailed, "", failureMeta(err)); serr != nil {
				log.Error("Failed to mark transaction failed", zap.Error(serr))
			}
			return nil, fmt.Errorf("transaction %s failed: %w", txn.ID, err)
		}
		log.Warn("Gateway unavailable, transaction left pending", zap.Error(err))
		return nil, fmt.Errorf("transaction %s left pending: %w", txn.ID, err)
	}

	var stored *domain.Transaction
	err = s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.txns.AttachGateway(ctx, txn.ID, *outcome.Handle, s.now()); err != nil {
			return err
		}
		var err error
		stored, err = s.txns.GetByID(ctx, txn.ID)
		return err
	})
	if err != nil {
		log.Error("Failed to store gateway authority", zap.String("authority", outcome.Handle.Authority), zap.Error(err))
		return nil, err
	}

	log.Info("Gateway payment requested", zap.String("authority", stored.AuthorityValue()), zap.String("status", string(stored.Status)))
	return resultFrom(stored), nil
}

func failureMeta(err error) map[string]any {
	reason := "processing_failed"
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, domain.ErrGatewayError):
		reason = "gateway_rejected"
	case errors.Is(err, domain.ErrWalletLimitExceeded):
		reason = "wallet_limit_exceeded"
	}
	meta := map[string]any{metaFailureReason: reason}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		meta[metaGatewayError] = map[string]any{"code": gwErr.Code, "message": gwErr.Message}
	}
	return meta
}

func (s *Service) GetWallet(ctx context.Context, userID int64) (*domain.Wallet, error) {
	if userID <= 0 {
		return nil, domain.ValidationError("user id must be positive")
	}
	if w, ok := s.cache.Get(ctx, userID); ok {
		return w, nil
	}
	w, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, w)
	return w, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, error) {
	limit, offset = util.NormalizePage(limit, offset)
	return s.txns.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) ListOrders(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	limit, offset = util.NormalizePage(limit, offset)
	return s.orders.ListByUser(ctx, userID, limit, offset)
}

type NopWalletCache struct{}

func (NopWalletCache) Get(context.Context, int64) (*domain.Wallet, bool) { return nil, false }
func (NopWalletCache) Set(context.Context, *domain.Wallet)              {}
func (NopWalletCache) Invalidate(context.Context, int64)                {}
