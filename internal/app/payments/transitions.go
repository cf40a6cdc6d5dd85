package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/domain"
	"paycore/internal/gateway"
	"paycore/internal/util"
)

// Confirmation is an external statement about a pending payment, from the
// payer's redirect, a signed webhook or an operator.
type Confirmation struct {
	Authority string
	Success   bool
	RefID     string
	// Amount is compared with the stored amount when the source reports one.
	Amount *decimal.Decimal
	Extra  map[string]any
	Source string
}

var reportedStatuses = map[string]bool{
	"OK":        true,
	"SUCCESS":   true,
	"COMPLETED": true,
	"PAID":      true,
	"APPROVED":  true,
	"NOK":       false,
	"FAILED":    false,
	"FAILURE":   false,
	"CANCELED":  false,
	"CANCELLED": false,
	"REJECTED":  false,
	"ERROR":     false,
}

// ParseReportedStatus maps the status words used by gateways and banks to
// success or failure.
func ParseReportedStatus(status string) (bool, error) {
	ok, known := reportedStatuses[strings.ToUpper(strings.TrimSpace(status))]
	if !known {
		return false, domain.ValidationError("unknown reported status %q", status)
	}
	return ok, nil
}

// Verify settles the transaction behind authority from the payer's redirect.
// Only gateway payments are settled here; card and bank transfers wait for an
// operator or a signed notification. A successful gateway payment without a
// reference id is checked with the gateway first.
func (s *Service) Verify(ctx context.Context, authority, reportedStatus, refID string) (*PaymentResult, error) {
	success, err := ParseReportedStatus(reportedStatus)
	if err != nil {
		return nil, err
	}

	txn, err := s.txns.GetByAuthority(ctx, authority)
	if err != nil {
		return nil, err
	}
	if txn.Method != domain.PaymentMethodGateway {
		s.logger.Warn("Refused redirect verification of a manual transfer",
			zap.String("transaction_id", txn.ID), zap.String("method", string(txn.Method)))
		return nil, domain.ValidationError("transaction %s is paid by %s and cannot be verified by redirect", txn.ID, txn.Method)
	}
	if txn.Status.IsTerminal() {
		return resultFrom(txn), nil
	}

	c := Confirmation{Authority: authority, Success: success, RefID: refID, Source: "verify"}
	if success && refID == "" {
		var v *gateway.Verification
		err := s.retry.Run(ctx, "verify_payment", func(ctx context.Context) error {
			res, err := s.gateway.VerifyPayment(ctx, authority, txn.Amount)
			if err != nil {
				return err
			}
			v = res
			return nil
		})
		if err != nil {
			log := s.logger.With(zap.String("transaction_id", txn.ID), zap.String("authority", authority))
			if errors.Is(err, domain.ErrGatewayError) {
				log.Warn("Gateway refused to verify the payment", zap.Error(err))
				if _, _, serr := s.settle(ctx, txn.ID, domain.TransactionStatusFailed, "", failureMeta(err)); serr != nil {
					log.Error("Failed to mark transaction failed", zap.Error(serr))
				}
				return nil, fmt.Errorf("transaction %s failed verification: %w", txn.ID, err)
			}
			log.Warn("Gateway verification unavailable, transaction left pending", zap.Error(err))
			return nil, fmt.Errorf("transaction %s left pending: %w", txn.ID, err)
		}
		c.RefID = v.RefID
		c.Extra = v.Extra
	}

	return s.Confirm(ctx, c)
}

// Confirm applies an external confirmation. A transaction that is already
// terminal is returned unchanged, so duplicate deliveries are harmless.
func (s *Service) Confirm(ctx context.Context, c Confirmation) (*PaymentResult, error) {
	txn, err := s.txns.GetByAuthority(ctx, c.Authority)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		s.logger.Info("Confirmation for settled transaction ignored",
			zap.String("transaction_id", txn.ID), zap.String("status", string(txn.Status)), zap.String("source", c.Source))
		return resultFrom(txn), nil
	}
	if c.Amount != nil && !c.Amount.Equal(txn.Amount) {
		s.logger.Warn("Reported amount does not match transaction",
			zap.String("transaction_id", txn.ID),
			zap.String("authority", c.Authority),
			zap.String("reported", c.Amount.String()),
			zap.String("stored", txn.Amount.String()))
		return nil, fmt.Errorf("authority %s reported %s, stored %s: %w", c.Authority, c.Amount, txn.Amount, domain.ErrAmountMismatch)
	}

	// Sender extras never override engine keys.
	meta := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		meta[k] = v
	}
	meta[metaConfirmedVia] = c.Source
	to := domain.TransactionStatusCompleted
	if !c.Success {
		to = domain.TransactionStatusFailed
		meta[metaFailureReason] = "reported_failed"
	}

	updated, _, err := s.settle(ctx, txn.ID, to, c.RefID, meta)
	if err != nil {
		return nil, err
	}
	return resultFrom(updated), nil
}

// ResolveManual records an operator's decision on a card or bank transfer.
func (s *Service) ResolveManual(ctx context.Context, transactionID string, approve bool, refID string) (*PaymentResult, error) {
	txn, err := s.txns.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Method != domain.PaymentMethodCard && txn.Method != domain.PaymentMethodBank {
		return nil, domain.ValidationError("transaction %s is paid by %s and cannot be resolved manually", txn.ID, txn.Method)
	}
	if txn.Status.IsTerminal() {
		return resultFrom(txn), nil
	}

	to := domain.TransactionStatusCompleted
	meta := map[string]any{metaResolvedBy: "admin"}
	if !approve {
		to = domain.TransactionStatusFailed
		meta[metaFailureReason] = "rejected_by_admin"
	}

	updated, _, err := s.settle(ctx, txn.ID, to, refID, meta)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Manual payment resolved",
		zap.String("transaction_id", txn.ID), zap.Bool("approved", approve), zap.String("status", string(updated.Status)))
	return resultFrom(updated), nil
}

// Cancel withdraws a pending transaction that has no gateway confirmation.
func (s *Service) Cancel(ctx context.Context, transactionID string) (*PaymentResult, error) {
	var (
		txn     *domain.Transaction
		applied bool
	)
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		applied, err = s.txns.CancelPending(ctx, transactionID, s.now())
		if err != nil {
			return err
		}
		txn, err = s.txns.GetByID(ctx, transactionID)
		if err != nil {
			return err
		}
		if applied {
			return s.enqueueStatusEvent(ctx, txn, "cancelled")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !applied {
		if txn.Status == domain.TransactionStatusCancelled {
			return resultFrom(txn), nil
		}
		if txn.Status.CanTransition(domain.TransactionStatusCancelled) {
			return nil, fmt.Errorf("transaction %s already has gateway reference %s: %w", txn.ID, txn.RefIDValue(), domain.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("transaction %s is already %s: %w", txn.ID, txn.Status, domain.ErrInvalidTransition)
	}

	s.logger.Info("Transaction cancelled", zap.String("transaction_id", txn.ID), zap.String("order_id", txn.OrderRef()))
	return resultFrom(txn), nil
}

// settle moves a PENDING transaction to a terminal status in its own database
// transaction and reports whether this call made the change. A deposit whose
// credit would overflow the wallet is settled as FAILED instead.
func (s *Service) settle(ctx context.Context, id string, to domain.TransactionStatus, refID string, meta map[string]any) (*domain.Transaction, bool, error) {
	var (
		txn     *domain.Transaction
		applied bool
	)
	err := s.txManager.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		txn, applied, err = s.transitionTx(ctx, id, to, refID, meta)
		return err
	})

	if err != nil && to == domain.TransactionStatusCompleted && errors.Is(err, domain.ErrWalletLimitExceeded) {
		s.logger.Warn("Deposit would exceed wallet limit, marking transaction failed",
			zap.String("transaction_id", id), zap.Error(err))
		failMeta := failureMeta(err)
		for k, v := range meta {
			if _, ok := failMeta[k]; !ok {
				failMeta[k] = v
			}
		}
		if _, _, ferr := s.settle(ctx, id, domain.TransactionStatusFailed, refID, failMeta); ferr != nil {
			return nil, false, ferr
		}
		return nil, false, err
	}
	if err != nil {
		s.logger.Error("Failed to settle transaction",
			zap.String("transaction_id", id), zap.String("to", string(to)), zap.Error(err))
		return nil, false, err
	}

	if applied {
		s.logger.Info("Transaction settled",
			zap.String("transaction_id", txn.ID),
			zap.String("order_id", txn.OrderRef()),
			zap.String("status", string(txn.Status)),
			zap.String("ref_id", txn.RefIDValue()))
		if txn.Kind == domain.TransactionKindDeposit && txn.Status == domain.TransactionStatusCompleted {
			s.cache.Invalidate(ctx, txn.UserID)
		}
	}
	return txn, applied, nil
}

// transitionTx is the single place a transaction leaves PENDING. It must run
// inside an open database transaction. The update is conditional on the stored
// status, so when another caller got there first this is a no-op that returns
// the row as the winner left it.
func (s *Service) transitionTx(ctx context.Context, id string, to domain.TransactionStatus, refID string, meta map[string]any) (*domain.Transaction, bool, error) {
	if !domain.TransactionStatusPending.CanTransition(to) {
		return nil, false, fmt.Errorf("transaction %s cannot move from %s to %s: %w", id, domain.TransactionStatusPending, to, domain.ErrInvalidTransition)
	}
	upd := domain.TransitionUpdate{
		ID:       id,
		From:     domain.TransactionStatusPending,
		To:       to,
		Metadata: meta,
		At:       s.now(),
	}
	if refID != "" {
		upd.RefID = &refID
	}

	applied, err := s.txns.Transition(ctx, upd)
	if err != nil {
		return nil, false, err
	}
	txn, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return txn, false, nil
	}

	if to == domain.TransactionStatusCompleted {
		switch txn.Kind {
		case domain.TransactionKindDeposit:
			if _, err := s.ledger.Credit(ctx, txn.UserID, txn.Amount); err != nil {
				return nil, false, err
			}
		case domain.TransactionKindPurchase:
			if txn.OrderID != nil {
				if err := s.orders.MarkPaid(ctx, *txn.OrderID, upd.At); err != nil {
					return nil, false, err
				}
			}
		}
	}

	reason, _ := meta[metaFailureReason].(string)
	if err := s.enqueueStatusEvent(ctx, txn, reason); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (s *Service) enqueueStatusEvent(ctx context.Context, txn *domain.Transaction, reason string) error {
	var eventType string
	switch txn.Status {
	case domain.TransactionStatusCompleted:
		eventType = domain.EventPaymentCompleted
	case domain.TransactionStatusFailed:
		eventType = domain.EventPaymentFailed
	case domain.TransactionStatusCancelled:
		eventType = domain.EventPaymentCancelled
	default:
		return nil
	}

	now := s.now()
	payload, err := json.Marshal(domain.PaymentStatusEvent{
		EventType:     eventType,
		TransactionID: txn.ID,
		OrderID:       txn.OrderRef(),
		UserID:        txn.UserID,
		Amount:        txn.Amount.StringFixed(2),
		Kind:          string(txn.Kind),
		Method:        string(txn.Method),
		Status:        string(txn.Status),
		RefID:         txn.RefIDValue(),
		Reason:        reason,
		Timestamp:     now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	return s.outbox.CreateMessage(ctx, &domain.OutboxMessage{
		ID:          util.GenerateUUID(),
		AggregateID: txn.ID,
		EventType:   eventType,
		Topic:       s.cfg.StatusTopic,
		Key:         txn.ID,
		Payload:     payload,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   now,
	})
}
