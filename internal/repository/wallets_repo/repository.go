package wallets_repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/domain"
)

type WalletRepository interface {
	// CreateIfAbsent inserts the wallet unless the user already owns one.
	CreateIfAbsent(ctx context.Context, wallet *domain.Wallet) error
	GetByUserID(ctx context.Context, userID int64) (*domain.Wallet, error)
	GetByUserIDForUpdate(ctx context.Context, userID int64) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error
}
