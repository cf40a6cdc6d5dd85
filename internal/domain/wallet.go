package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID        string
	UserID    int64
	Balance   decimal.Decimal
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
