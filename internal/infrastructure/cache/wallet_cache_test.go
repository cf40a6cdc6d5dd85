package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"paycore/internal/domain"
)

func TestWalletKey(t *testing.T) {
	assert.Equal(t, "paycore:wallet:42", walletKey(42))
}

func TestWalletCache_UnreachableRedisIsHarmless(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := Config{Addr: "127.0.0.1:1", TTL: time.Minute, Timeout: 50 * time.Millisecond}
	client := NewRedisClient(cfg)
	defer client.Close()
	c := NewWalletCache(client, cfg, zap.New(core))

	ctx := context.Background()
	c.Set(ctx, &domain.Wallet{ID: "w1", UserID: 7, Balance: decimal.NewFromInt(10), Currency: "IRR"})
	w, ok := c.Get(ctx, 7)
	c.Invalidate(ctx, 7)

	assert.False(t, ok)
	assert.Nil(t, w)
	assert.Equal(t, 3, logs.Len())
}
