package wallets_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"paycore/internal/domain"
	"paycore/internal/infrastructure/database"
)

type walletRepository struct {
	db *sql.DB
}

func NewWalletRepository(db *sql.DB) *walletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) CreateIfAbsent(ctx context.Context, wallet *domain.Wallet) error {
	query := `
		INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		wallet.ID, wallet.UserID, wallet.Balance, wallet.Currency, wallet.CreatedAt, wallet.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create wallet for user %d: %w", wallet.UserID, err)
	}
	return nil
}

func (r *walletRepository) GetByUserID(ctx context.Context, userID int64) (*domain.Wallet, error) {
	query := `
		SELECT id, user_id, balance, currency, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`
	return r.get(ctx, query, userID)
}

func (r *walletRepository) GetByUserIDForUpdate(ctx context.Context, userID int64) (*domain.Wallet, error) {
	query := `
		SELECT id, user_id, balance, currency, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`
	return r.get(ctx, query, userID)
}

func (r *walletRepository) get(ctx context.Context, query string, userID int64) (*domain.Wallet, error) {
	wallet := &domain.Wallet{}
	err := database.Querier(ctx, r.db).QueryRowContext(ctx, query, userID).Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.Balance,
		&wallet.Currency,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet for user %d: %w", userID, err)
	}
	return wallet, nil
}

func (r *walletRepository) UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	query := `
		UPDATE wallets
		SET balance = $1, updated_at = $2
		WHERE id = $3
	`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query, balance, at, walletID)
	if err != nil {
		var pgErr *pq.Error
		// 23514: balance >= 0 check constraint
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return domain.ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update wallet balance for %s: %w", walletID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrWalletNotFound
	}
	return nil
}
