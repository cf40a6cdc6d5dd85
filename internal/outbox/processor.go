package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paycore/internal/domain"
	kafka_infra "paycore/internal/infrastructure/kafka"
	"paycore/internal/repository/outbox_repo"
)

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	BatchSize    int
}

// Processor relays PENDING outbox messages to Kafka and marks them SENT.
// Messages of one batch are sent in creation order; the first failure ends
// the batch so later events for the same transaction never overtake it.
type Processor struct {
	txManager domain.TxManager
	repo      outbox_repo.OutboxRepository
	producer  kafka_infra.Producer
	cfg       Config
	logger    *zap.Logger
}

func NewProcessor(
	txManager domain.TxManager,
	repo outbox_repo.OutboxRepository,
	producer kafka_infra.Producer,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		txManager: txManager,
		repo:      repo,
		producer:  producer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start polls until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.cfg.PollInterval))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch relays one batch and returns how many messages were sent.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	sent := 0
	err := p.txManager.WithinTx(ctx, func(ctx context.Context) error {
		queryCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
		messages, err := p.repo.GetPendingMessages(queryCtx, p.cfg.BatchSize)
		cancel()
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			p.logger.Debug("No pending outbox messages found.")
			return nil
		}

		for _, msg := range messages {
			log := p.logger.With(
				zap.String("message_id", msg.ID),
				zap.String("event_type", msg.EventType),
				zap.String("topic", msg.Topic),
				zap.String("aggregate_id", msg.AggregateID),
			)
			if err := p.producer.Produce(ctx, msg.Key, msg.Topic, msg.Payload); err != nil {
				log.Warn("Failed to send outbox message, will retry", zap.Error(err))
				return nil
			}
			if err := p.repo.UpdateMessageStatus(ctx, msg.ID, domain.OutboxStatusSent); err != nil {
				return err
			}
			sent++
			log.Debug("Outbox message sent")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		p.logger.Info("Outbox messages relayed", zap.Int("count", sent))
	}
	return sent, nil
}
