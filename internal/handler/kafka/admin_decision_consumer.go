package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/domain"
	kafka_infra "paycore/internal/infrastructure/kafka"
)

type ManualResolver interface {
	ResolveManual(ctx context.Context, transactionID string, approve bool, refID string) (*payments.PaymentResult, error)
}

// AdminDecisionMessageHandler applies operator decisions on card and bank
// transfers. Messages that can never succeed are logged and committed; other
// failures are returned so the offset stays uncommitted.
func AdminDecisionMessageHandler(resolver ManualResolver, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var decision domain.AdminDecision
		if err := json.Unmarshal(msg.Value, &decision); err != nil {
			logger.Error("Failed to unmarshal admin decision",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		var approve bool
		switch strings.ToLower(strings.TrimSpace(decision.Decision)) {
		case "approve", "approved":
			approve = true
		case "reject", "rejected":
			approve = false
		default:
			logger.Error("Unknown admin decision, skipping",
				zap.String("transaction_id", decision.TransactionID),
				zap.String("decision", decision.Decision),
			)
			return nil
		}

		res, err := resolver.ResolveManual(ctx, decision.TransactionID, approve, decision.RefID)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) ||
				errors.Is(err, domain.ErrTransactionNotFound) ||
				errors.Is(err, domain.ErrWalletLimitExceeded) {
				logger.Warn("Admin decision rejected",
					zap.String("transaction_id", decision.TransactionID),
					zap.Error(err),
				)
				return nil
			}
			return fmt.Errorf("failed to apply admin decision for transaction %s: %w", decision.TransactionID, err)
		}

		logger.Info("Admin decision applied",
			zap.String("transaction_id", res.TransactionID),
			zap.Bool("approved", approve),
			zap.String("status", string(res.Status)),
		)
		return nil
	}
}
