package outbox_repo

import (
	"context"

	"paycore/internal/domain"
)

type OutboxRepository interface {
	CreateMessage(ctx context.Context, msg *domain.OutboxMessage) error
	// GetPendingMessages locks up to limit PENDING rows, skipping rows locked by
	// another relay. Call it inside a transaction.
	GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	UpdateMessageStatus(ctx context.Context, id string, status domain.OutboxMessageStatus) error
}
