package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	TransactionKindPurchase   TransactionKind = "PURCHASE"
	TransactionKindDeposit    TransactionKind = "DEPOSIT"
	TransactionKindRefund     TransactionKind = "REFUND"
	TransactionKindWithdrawal TransactionKind = "WITHDRAWAL"
)

type PaymentMethod string

const (
	PaymentMethodWallet  PaymentMethod = "WALLET"
	PaymentMethodCard    PaymentMethod = "CARD"
	PaymentMethodBank    PaymentMethod = "BANK"
	PaymentMethodGateway PaymentMethod = "GATEWAY"
)

// ParsePaymentMethod accepts the lower-case names used by the bot and the API.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(toUpper(s)); m {
	case PaymentMethodWallet, PaymentMethodCard, PaymentMethodBank, PaymentMethodGateway:
		return m, nil
	default:
		return "", ValidationError("unsupported payment method %q", s)
	}
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusRefunded  TransactionStatus = "REFUNDED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether no further automatic transition leaves s.
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// CanTransition is the whole transaction state machine.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	switch s {
	case TransactionStatusPending:
		return to == TransactionStatusCompleted || to == TransactionStatusFailed || to == TransactionStatusCancelled
	case TransactionStatusCompleted:
		return to == TransactionStatusRefunded
	default:
		return false
	}
}

type Transaction struct {
	ID           string
	UserID       int64
	Amount       decimal.Decimal
	Kind         TransactionKind
	Method       PaymentMethod
	Status       TransactionStatus
	OrderID      *string
	Authority    *string
	PaymentURL   *string
	GatewayRefID *string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t *Transaction) OrderRef() string {
	if t.OrderID == nil {
		return ""
	}
	return *t.OrderID
}

func (t *Transaction) AuthorityValue() string {
	if t.Authority == nil {
		return ""
	}
	return *t.Authority
}

func (t *Transaction) PaymentURLValue() string {
	if t.PaymentURL == nil {
		return ""
	}
	return *t.PaymentURL
}

func (t *Transaction) RefIDValue() string {
	if t.GatewayRefID == nil {
		return ""
	}
	return *t.GatewayRefID
}

// TransitionUpdate describes a conditional status change of one transaction row.
type TransitionUpdate struct {
	ID       string
	From     TransactionStatus
	To       TransactionStatus
	RefID    *string
	Metadata map[string]any
	At       time.Time
}

// GatewayHandle is what a PENDING transaction learns from the payment method
// before any confirmation arrives.
type GatewayHandle struct {
	Authority  string
	PaymentURL string
	Metadata   map[string]any
}
