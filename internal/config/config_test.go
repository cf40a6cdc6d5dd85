package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 8082, cfg.HTTPPort)
	require.Equal(t, "payment_status_updates", cfg.KafkaPaymentStatusTopic)
	require.Equal(t, 3, cfg.GatewayConfig.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.GatewayConfig.BaseDelay)
	require.True(t, cfg.WalletConfig.MaxBalance.Equal(decimal.NewFromInt(100000000)))
	require.Equal(t, []string{"localhost:9092"}, cfg.GetKafkaBrokers())
	require.Equal(t, "postgres", cfg.StorageBackend)
	require.Equal(t, []string{"http://localhost:5173"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PAYMENTS_DB_HOST", "db")
	t.Setenv("PAYMENTS_DB_PORT", "6543")
	t.Setenv("KAFKA_BROKER_URL", "k1:9092,k2:9092")
	t.Setenv("WALLET_MAX_BALANCE", "1000")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "host=db port=6543 user=user password=password dbname=payments_db sslmode=disable", cfg.GetDBConnectionString())
	require.Equal(t, "postgres://user:password@db:6543/payments_db?sslmode=disable", cfg.GetDBMigrationConnectionString())
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.GetKafkaBrokers())
	require.True(t, cfg.WalletConfig.MaxBalance.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, 5, cfg.GatewayConfig.MaxAttempts)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("zero attempts", func(t *testing.T) {
		t.Setenv("GATEWAY_MAX_ATTEMPTS", "0")
		_, err := LoadConfig()
		require.Error(t, err)
		require.Contains(t, err.Error(), "GATEWAY_MAX_ATTEMPTS")
	})

	t.Run("max delay below base delay", func(t *testing.T) {
		t.Setenv("GATEWAY_RETRY_BASE_DELAY", "2s")
		t.Setenv("GATEWAY_RETRY_MAX_DELAY", "1s")
		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("unknown storage backend", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "sqlite")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "STORAGE_BACKEND")
	})

	t.Run("unparsable duration", func(t *testing.T) {
		t.Setenv("OUTBOX_POLL_INTERVAL", "soon")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}
