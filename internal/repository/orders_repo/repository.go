package orders_repo

import (
	"context"
	"time"

	"paycore/internal/domain"
)

type OrderRepository interface {
	// CreateIfAbsent inserts the order unless a row with the same id exists.
	CreateIfAbsent(ctx context.Context, order *domain.Order) error
	GetForUpdate(ctx context.Context, id string) (*domain.Order, error)
	MarkPaid(ctx context.Context, id string, at time.Time) error
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error)
}
