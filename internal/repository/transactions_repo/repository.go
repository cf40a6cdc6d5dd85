package transactions_repo

import (
	"context"
	"time"

	"paycore/internal/domain"
)

type TransactionRepository interface {
	Create(ctx context.Context, txn *domain.Transaction) error
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
	GetByAuthority(ctx context.Context, authority string) (*domain.Transaction, error)
	GetLatestByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error)
	// AttachGateway stores the handle only while the row is PENDING without one.
	AttachGateway(ctx context.Context, id string, handle domain.GatewayHandle, at time.Time) (bool, error)
	// Transition applies upd only if the stored status still equals upd.From.
	Transition(ctx context.Context, upd domain.TransitionUpdate) (bool, error)
	// CancelPending cancels a PENDING row that has no gateway reference recorded.
	CancelPending(ctx context.Context, id string, at time.Time) (bool, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Transaction, error)
}
