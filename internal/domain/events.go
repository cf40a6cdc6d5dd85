package domain

import "time"

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

// PaymentStatusEvent is published for every terminal transition. The
// provisioning service acts on completed PURCHASE events.
type PaymentStatusEvent struct {
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id,omitempty"`
	UserID        int64     `json:"user_id"`
	Amount        string    `json:"amount"`
	Kind          string    `json:"kind"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	RefID         string    `json:"ref_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AdminDecision is consumed from the presentation layer for card and bank
// transfers that an operator approved or rejected.
type AdminDecision struct {
	TransactionID string `json:"transaction_id"`
	Decision      string `json:"decision"`
	RefID         string `json:"ref_id,omitempty"`
}
