package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/domain"
)

const walletNamespace = "paycore:wallet"

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Timeout  time.Duration
}

// WalletCache keeps wallet views in Redis. Every call is bounded by Timeout and
// failures are only logged; the database stays the source of truth.
type WalletCache struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisClient(cfg Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

func NewWalletCache(client redis.UniversalClient, cfg Config, logger *zap.Logger) *WalletCache {
	return &WalletCache{
		client:  client,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

type cachedWallet struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func walletKey(userID int64) string {
	return walletNamespace + ":" + strconv.FormatInt(userID, 10)
}

func (c *WalletCache) Get(ctx context.Context, userID int64) (*domain.Wallet, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, walletKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read wallet from cache", zap.Int64("user_id", userID), zap.Error(err))
		}
		return nil, false
	}

	var cw cachedWallet
	if err := json.Unmarshal(raw, &cw); err != nil {
		c.logger.Warn("Dropping unreadable cached wallet", zap.Int64("user_id", userID), zap.Error(err))
		c.Invalidate(ctx, userID)
		return nil, false
	}
	return &domain.Wallet{
		ID:        cw.ID,
		UserID:    cw.UserID,
		Balance:   cw.Balance,
		Currency:  cw.Currency,
		CreatedAt: cw.CreatedAt,
		UpdatedAt: cw.UpdatedAt,
	}, true
}

func (c *WalletCache) Set(ctx context.Context, w *domain.Wallet) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(cachedWallet{
		ID:        w.ID,
		UserID:    w.UserID,
		Balance:   w.Balance,
		Currency:  w.Currency,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	})
	if err != nil {
		c.logger.Warn("Failed to encode wallet for cache", zap.Int64("user_id", w.UserID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, walletKey(w.UserID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache wallet", zap.Int64("user_id", w.UserID), zap.Error(err))
	}
}

func (c *WalletCache) Invalidate(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, walletKey(userID)).Err(); err != nil {
		c.logger.Warn("Failed to invalidate cached wallet", zap.Int64("user_id", userID), zap.Error(err))
	}
}
