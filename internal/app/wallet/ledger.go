package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/domain"
	"paycore/internal/repository/wallets_repo"
	"paycore/internal/util"
)

type Config struct {
	Currency   string
	MaxBalance decimal.Decimal
}

// Ledger is the only writer of wallet balances. Each mutation locks the
// wallet row and joins the caller's database transaction when one is open.
type Ledger struct {
	txManager domain.TxManager
	wallets   wallets_repo.WalletRepository
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewLedger(txManager domain.TxManager, wallets wallets_repo.WalletRepository, cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{
		txManager: txManager,
		wallets:   wallets,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Debit subtracts amount from the user's balance. A user without a wallet
// has nothing to spend, so no wallet is created here.
func (l *Ledger) Debit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.Wallet, error) {
	if !amount.IsPositive() {
		return nil, domain.ValidationError("debit amount must be positive")
	}

	var wallet *domain.Wallet
	err := l.txManager.WithinTx(ctx, func(ctx context.Context) error {
		w, err := l.wallets.GetByUserIDForUpdate(ctx, userID)
		if errors.Is(err, domain.ErrWalletNotFound) {
			return fmt.Errorf("user %d has no wallet: %w", userID, domain.ErrInsufficientBalance)
		}
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return fmt.Errorf("balance %s is below %s: %w", w.Balance.StringFixed(2), amount.StringFixed(2), domain.ErrInsufficientBalance)
		}

		w.Balance = w.Balance.Sub(amount)
		w.UpdatedAt = l.now()
		if err := l.wallets.UpdateBalance(ctx, w.ID, w.Balance, w.UpdatedAt); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		l.logger.Info("Wallet debit rejected", zap.Int64("user_id", userID), zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}

	l.logger.Info("Wallet debited",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", wallet.Balance.String()))
	return wallet, nil
}

// Credit adds amount to the user's balance, creating the wallet on first use.
// The balance is left untouched when the result would exceed the maximum.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.Wallet, error) {
	if !amount.IsPositive() {
		return nil, domain.ValidationError("credit amount must be positive")
	}

	var wallet *domain.Wallet
	err := l.txManager.WithinTx(ctx, func(ctx context.Context) error {
		w, err := l.lockOrCreate(ctx, userID)
		if err != nil {
			return err
		}
		next := w.Balance.Add(amount)
		if next.GreaterThan(l.cfg.MaxBalance) {
			return fmt.Errorf("balance %s plus %s exceeds %s: %w",
				w.Balance.StringFixed(2), amount.StringFixed(2), l.cfg.MaxBalance.StringFixed(2), domain.ErrWalletLimitExceeded)
		}

		w.Balance = next
		w.UpdatedAt = l.now()
		if err := l.wallets.UpdateBalance(ctx, w.ID, w.Balance, w.UpdatedAt); err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		l.logger.Info("Wallet credit rejected", zap.Int64("user_id", userID), zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}

	l.logger.Info("Wallet credited",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", wallet.Balance.String()))
	return wallet, nil
}

// Get returns the user's wallet, creating an empty one on first access.
func (l *Ledger) Get(ctx context.Context, userID int64) (*domain.Wallet, error) {
	w, err := l.wallets.GetByUserID(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	err = l.txManager.WithinTx(ctx, func(ctx context.Context) error {
		w, err = l.lockOrCreate(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CheckCredit reports ErrWalletLimitExceeded early, before a deposit row exists.
// The authoritative check still happens inside Credit.
func (l *Ledger) CheckCredit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	w, err := l.Get(ctx, userID)
	if err != nil {
		return err
	}
	if w.Balance.Add(amount).GreaterThan(l.cfg.MaxBalance) {
		return fmt.Errorf("deposit of %s would exceed %s: %w", amount.StringFixed(2), l.cfg.MaxBalance.StringFixed(2), domain.ErrWalletLimitExceeded)
	}
	return nil
}

func (l *Ledger) lockOrCreate(ctx context.Context, userID int64) (*domain.Wallet, error) {
	w, err := l.wallets.GetByUserIDForUpdate(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	now := l.now()
	err = l.wallets.CreateIfAbsent(ctx, &domain.Wallet{
		ID:        util.GenerateUUID(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  l.cfg.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return l.wallets.GetByUserIDForUpdate(ctx, userID)
}
