package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort           int           `env:"HTTP_PORT" envDefault:"8082"`
	HTTPRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`

	// StorageBackend is "postgres" or "memory". The memory backend also runs
	// without Kafka and Redis.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"postgres"`

	DBConfig struct {
		Host     string `env:"PAYMENTS_DB_HOST" envDefault:"localhost"`
		Port     int    `env:"PAYMENTS_DB_PORT" envDefault:"5432"`
		User     string `env:"PAYMENTS_DB_USER" envDefault:"user"`
		Password string `env:"PAYMENTS_DB_PASSWORD" envDefault:"password"`
		Name     string `env:"PAYMENTS_DB_NAME" envDefault:"payments_db"`
		SSLMode  string `env:"PAYMENTS_DB_SSLMODE" envDefault:"disable"`
	}

	KafkaBrokerURL           string `env:"KAFKA_BROKER_URL" envDefault:"localhost:9092"`
	KafkaPaymentStatusTopic  string `env:"KAFKA_PAYMENT_STATUS_TOPIC" envDefault:"payment_status_updates"`
	KafkaAdminDecisionsTopic string `env:"KAFKA_ADMIN_DECISIONS_TOPIC" envDefault:"payment_admin_decisions"`
	KafkaConsumerGroup       string `env:"KAFKA_CONSUMER_GROUP" envDefault:"payments-service-group"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxPollTimeout  time.Duration `env:"OUTBOX_POLL_TIMEOUT" envDefault:"500ms"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"10"`

	RedisConfig struct {
		Addr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		Password  string        `env:"REDIS_PASSWORD"`
		DB        int           `env:"REDIS_DB" envDefault:"0"`
		WalletTTL time.Duration `env:"REDIS_WALLET_TTL" envDefault:"5m"`
		Timeout   time.Duration `env:"REDIS_TIMEOUT" envDefault:"200ms"`
	}

	WalletConfig struct {
		Currency   string          `env:"WALLET_CURRENCY" envDefault:"IRR"`
		MaxBalance decimal.Decimal `env:"WALLET_MAX_BALANCE" envDefault:"100000000"`
	}

	GatewayConfig struct {
		BaseURL        string        `env:"GATEWAY_BASE_URL" envDefault:"https://sandbox.zarinpal.com"`
		MerchantID     string        `env:"GATEWAY_MERCHANT_ID"`
		CallbackURL    string        `env:"GATEWAY_CALLBACK_URL" envDefault:"http://localhost:8082/payments/callback"`
		AttemptTimeout time.Duration `env:"GATEWAY_ATTEMPT_TIMEOUT" envDefault:"10s"`
		MaxAttempts    int           `env:"GATEWAY_MAX_ATTEMPTS" envDefault:"3"`
		BaseDelay      time.Duration `env:"GATEWAY_RETRY_BASE_DELAY" envDefault:"500ms"`
		MaxDelay       time.Duration `env:"GATEWAY_RETRY_MAX_DELAY" envDefault:"5s"`
	}

	WebhookConfig struct {
		GatewaySecret string `env:"GATEWAY_WEBHOOK_SECRET"`
		BankSecret    string `env:"BANK_WEBHOOK_SECRET"`
	}

	ManualConfig struct {
		CardNumber  string `env:"MANUAL_CARD_NUMBER"`
		CardHolder  string `env:"MANUAL_CARD_HOLDER"`
		BankAccount string `env:"MANUAL_BANK_ACCOUNT"`
		BankName    string `env:"MANUAL_BANK_NAME"`
		BankHolder  string `env:"MANUAL_BANK_HOLDER"`
	}
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 {
		errs = append(errs, errors.New("HTTP_PORT must be positive"))
	}
	if c.StorageBackend != "postgres" && c.StorageBackend != "memory" {
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be postgres or memory, got %q", c.StorageBackend))
	}
	if !c.WalletConfig.MaxBalance.IsPositive() {
		errs = append(errs, errors.New("WALLET_MAX_BALANCE must be positive"))
	}
	if c.GatewayConfig.MaxAttempts < 1 {
		errs = append(errs, errors.New("GATEWAY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.GatewayConfig.BaseDelay <= 0 || c.GatewayConfig.MaxDelay < c.GatewayConfig.BaseDelay {
		errs = append(errs, errors.New("GATEWAY_RETRY_BASE_DELAY must be positive and not above GATEWAY_RETRY_MAX_DELAY"))
	}
	if c.GatewayConfig.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_ATTEMPT_TIMEOUT must be positive"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL and OUTBOX_BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}
