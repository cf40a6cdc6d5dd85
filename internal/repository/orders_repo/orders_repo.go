package orders_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paycore/internal/domain"
	"paycore/internal/infrastructure/database"
)

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *orderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) CreateIfAbsent(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (id, user_id, plan_ref, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		order.ID,
		order.UserID,
		order.PlanRef,
		order.Amount,
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.ID, err)
	}
	return nil
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	query := `
		SELECT id, user_id, plan_ref, amount, status, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`
	order := &domain.Order{}
	err := database.Querier(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.UserID,
		&order.PlanRef,
		&order.Amount,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return order, nil
}

func (r *orderRepository) MarkPaid(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := database.Querier(ctx, r.db).ExecContext(ctx, query,
		domain.OrderStatusPaid, at, id, domain.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark order %s as paid: %w", id, err)
	}
	return nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	query := `
		SELECT id, user_id, plan_ref, amount, status, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := database.Querier(ctx, r.db).QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %d: %w", userID, err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		var order domain.Order
		err := rows.Scan(
			&order.ID,
			&order.UserID,
			&order.PlanRef,
			&order.Amount,
			&order.Status,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}
