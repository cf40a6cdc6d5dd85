package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID        string
	UserID    int64
	PlanRef   string
	Amount    decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewOrder(id string, userID int64, planRef string, amount decimal.Decimal, now time.Time) (*Order, error) {
	if id == "" || userID == 0 || !amount.IsPositive() {
		return nil, ValidationError("invalid order data")
	}
	return &Order{
		ID:        id,
		UserID:    userID,
		PlanRef:   planRef,
		Amount:    amount,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
