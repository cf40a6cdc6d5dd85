package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletLimitExceeded = errors.New("wallet limit exceeded")
	ErrGatewayError        = errors.New("gateway rejected the request")
	ErrGatewayUnavailable  = errors.New("gateway unavailable")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrInvalidTransition  = errors.New("invalid transaction state transition")
	ErrAmountMismatch     = errors.New("reported amount does not match transaction")
	ErrUnknownGatewayKind = errors.New("unknown gateway kind")
	ErrOrderNotFound      = errors.New("order not found")
	ErrWalletNotFound     = errors.New("wallet not found")
)

// ValidationError builds an error that matches ErrValidation.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func toUpper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
