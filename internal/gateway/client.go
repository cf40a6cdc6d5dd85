// Package gateway talks to the external payment gateway and wraps those calls
// in bounded retries.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"paycore/internal/domain"
)

type PaymentRequest struct {
	Amount      decimal.Decimal
	Description string
	CallbackURL string
	Metadata    map[string]string
}

type PaymentHandle struct {
	Authority  string
	PaymentURL string
}

type Verification struct {
	RefID string
	Extra map[string]any
}

// Client is implemented by every gateway integration. Errors are *Error values
// that match either domain.ErrGatewayError or domain.ErrGatewayUnavailable.
type Client interface {
	RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentHandle, error)
	VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*Verification, error)
}

// Error carries what the gateway said about a failed call.
type Error struct {
	Kind    error
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Code != 0 {
		msg = fmt.Sprintf("%s: code %d", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func rejected(code int, message string) error {
	return &Error{Kind: domain.ErrGatewayError, Code: code, Message: message}
}

func unavailable(code int, message string, err error) error {
	return &Error{Kind: domain.ErrGatewayUnavailable, Code: code, Message: message, Err: err}
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrGatewayUnavailable) && !errors.Is(err, domain.ErrGatewayError)
}
