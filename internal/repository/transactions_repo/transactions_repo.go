package transactions_repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"paycore/internal/domain"
	"paycore/internal/infrastructure/database"
)

const selectColumns = `id, user_id, amount, kind, method, status, order_id, authority, payment_url,
		gateway_ref_id, metadata, created_at, updated_at`

type transactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *transactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, user_id, amount, kind, method, status, order_id, authority,
			payment_url, gateway_ref_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	metadata, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	_, err = database.Querier(ctx, r.db).ExecContext(ctx, query,
		txn.ID,
		txn.UserID,
		txn.Amount,
		txn.Kind,
		txn.Method,
		txn.Status,
		txn.OrderID,
		txn.Authority,
		txn.PaymentURL,
		txn.GatewayRefID,
		metadata,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("transaction for order %s already pending: %w", txn.OrderRef(), domain.ErrInvalidTransition)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM transactions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *transactionRepository) GetByAuthority(ctx context.Context, authority string) (*domain.Transaction, error) {
	query := `SELECT ` + selectColumns + ` FROM transactions WHERE authority = $1`
	return r.getOne(ctx, query, authority)
}

func (r *transactionRepository) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM transactions
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.getOne(ctx, query, orderID)
}

func (r *transactionRepository) getOne(ctx context.Context, query string, arg any) (*domain.Transaction, error) {
	txn, err := scanTransaction(database.Querier(ctx, r.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by %v: %w", arg, err)
	}
	return txn, nil
}

func (r *transactionRepository) AttachGateway(ctx context.Context, id string, handle domain.GatewayHandle, at time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET authority = $1, payment_url = $2, metadata = metadata || $3::jsonb, updated_at = $4
		WHERE id = $5 AND status = $6 AND authority IS NULL
	`
	metadata, err := encodeMetadata(handle.Metadata)
	if err != nil {
		return false, err
	}
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		handle.Authority, nullable(handle.PaymentURL), metadata, at, id, domain.TransactionStatusPending)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, fmt.Errorf("authority %s already attached to another transaction: %w", handle.Authority, domain.ErrGatewayError)
		}
		return false, fmt.Errorf("failed to attach gateway handle to transaction %s: %w", id, err)
	}
	return affectedOne(res)
}

func (r *transactionRepository) Transition(ctx context.Context, upd domain.TransitionUpdate) (bool, error) {
	query := `
		UPDATE transactions
		SET status = $1,
			gateway_ref_id = COALESCE($2, gateway_ref_id),
			metadata = metadata || $3::jsonb,
			updated_at = $4
		WHERE id = $5 AND status = $6
	`
	metadata, err := encodeMetadata(upd.Metadata)
	if err != nil {
		return false, err
	}
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		upd.To, upd.RefID, metadata, upd.At, upd.ID, upd.From)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction %s to %s: %w", upd.ID, upd.To, err)
	}
	return affectedOne(res)
}

func (r *transactionRepository) CancelPending(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE transactions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND gateway_ref_id IS NULL
	`
	res, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		domain.TransactionStatusCancelled, at, id, domain.TransactionStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel transaction %s: %w", id, err)
	}
	return affectedOne(res)
}

func (r *transactionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := database.Querier(ctx, r.db).QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *txn)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	txn := &domain.Transaction{}
	var (
		orderID, authority, paymentURL, refID sql.NullString
		metadata                              []byte
	)
	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.Amount,
		&txn.Kind,
		&txn.Method,
		&txn.Status,
		&orderID,
		&authority,
		&paymentURL,
		&refID,
		&metadata,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.OrderID = stringPtr(orderID)
	txn.Authority = stringPtr(authority)
	txn.PaymentURL = stringPtr(paymentURL)
	txn.GatewayRefID = stringPtr(refID)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of transaction %s: %w", txn.ID, err)
		}
	}
	return txn, nil
}

// encodeMetadata returns text so lib/pq does not send the value as bytea.
func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	return string(b), nil
}

func affectedOne(res sql.Result) (bool, error) {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
