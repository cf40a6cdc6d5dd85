package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"paycore/internal/app/payments"
	"paycore/internal/app/wallet"
	"paycore/internal/app/webhook"
	"paycore/internal/config"
	"paycore/internal/domain"
	"paycore/internal/gateway"
	payments_http "paycore/internal/handler/http/payments"
	kafka_handler "paycore/internal/handler/kafka"
	"paycore/internal/infrastructure/cache"
	"paycore/internal/infrastructure/database"
	kafka_infra "paycore/internal/infrastructure/kafka"
	"paycore/internal/outbox"
	"paycore/internal/repository/memory"
	"paycore/internal/repository/orders_repo"
	"paycore/internal/repository/outbox_repo"
	"paycore/internal/repository/transactions_repo"
	"paycore/internal/repository/wallets_repo"
	"paycore/migrations"
)

type storage struct {
	txManager    domain.TxManager
	transactions transactions_repo.TransactionRepository
	orders       orders_repo.OrderRepository
	wallets      wallets_repo.WalletRepository
	outbox       outbox_repo.OutboxRepository
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	return zapConfig.Build()
}

func connectDB(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var (
		db  *sql.DB
		err error
	)
	maxRetries := 10
	retryDelay := 5 * time.Second
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			return db, nil
		}
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1), zap.Int("max_attempts", maxRetries), zap.Duration("retry_in", retryDelay), zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", maxRetries, err)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Payment engine starting...", zap.String("storage", cfg.StorageBackend))

	var (
		store      storage
		db         *sql.DB
		walletView payments.WalletCache
	)

	if cfg.StorageBackend == "memory" {
		mem := memory.NewStore()
		store = storage{
			txManager:    mem,
			transactions: mem.Transactions(),
			orders:       mem.Orders(),
			wallets:      mem.Wallets(),
			outbox:       mem.Outbox(),
		}
		appLogger.Warn("Using in-memory storage; data is lost on restart and events are not relayed.")
	} else {
		db, err = connectDB(cfg, appLogger)
		if err != nil {
			appLogger.Fatal("Database unavailable", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			} else {
				appLogger.Info("Database connection closed.")
			}
		}()

		appLogger.Info("Running database migrations...")
		if err := migrations.Up(db); err != nil {
			appLogger.Fatal("Failed to run database migrations", zap.Error(err))
		}
		appLogger.Info("Database migrations completed successfully (or no new migrations).")

		store = storage{
			txManager:    database.NewTxManager(db, appLogger.With(zap.String("component", "TxManager"))),
			transactions: transactions_repo.NewTransactionRepository(db),
			orders:       orders_repo.NewOrderRepository(db),
			wallets:      wallets_repo.NewWalletRepository(db),
			outbox:       outbox_repo.NewOutboxRepository(db),
		}

		cacheCfg := cache.Config{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			TTL:      cfg.RedisConfig.WalletTTL,
			Timeout:  cfg.RedisConfig.Timeout,
		}
		redisClient := cache.NewRedisClient(cacheCfg)
		defer redisClient.Close()
		walletView = cache.NewWalletCache(redisClient, cacheCfg, appLogger.With(zap.String("component", "WalletCache")))
	}

	ledger := wallet.NewLedger(store.txManager, store.wallets, wallet.Config{
		Currency:   cfg.WalletConfig.Currency,
		MaxBalance: cfg.WalletConfig.MaxBalance,
	}, appLogger.With(zap.String("component", "WalletLedger")))

	gatewayClient := gateway.NewHTTPClient(gateway.HTTPClientConfig{
		BaseURL:    cfg.GatewayConfig.BaseURL,
		MerchantID: cfg.GatewayConfig.MerchantID,
	}, &http.Client{}, appLogger.With(zap.String("component", "GatewayClient")))
	retry := gateway.NewRetryExecutor(gateway.RetryPolicy{
		MaxAttempts:    cfg.GatewayConfig.MaxAttempts,
		BaseDelay:      cfg.GatewayConfig.BaseDelay,
		MaxDelay:       cfg.GatewayConfig.MaxDelay,
		AttemptTimeout: cfg.GatewayConfig.AttemptTimeout,
	}, appLogger.With(zap.String("component", "RetryExecutor")))

	methods := payments.NewRegistry(
		payments.NewWalletProcessor(ledger),
		payments.NewCardProcessor(payments.CardTransferDetails{
			CardNumber: cfg.ManualConfig.CardNumber,
			CardHolder: cfg.ManualConfig.CardHolder,
		}),
		payments.NewBankProcessor(payments.BankTransferDetails{
			AccountNumber: cfg.ManualConfig.BankAccount,
			BankName:      cfg.ManualConfig.BankName,
			AccountHolder: cfg.ManualConfig.BankHolder,
		}),
		payments.NewGatewayProcessor(gatewayClient, retry),
	)

	paymentService := payments.NewService(payments.Dependencies{
		TxManager:    store.txManager,
		Transactions: store.transactions,
		Orders:       store.orders,
		Outbox:       store.outbox,
		Ledger:       ledger,
		Methods:      methods,
		Gateway:      gatewayClient,
		Retry:        retry,
		Cache:        walletView,
	}, payments.Config{
		StatusTopic: cfg.KafkaPaymentStatusTopic,
		CallbackURL: cfg.GatewayConfig.CallbackURL,
	}, appLogger.With(zap.String("component", "PaymentService")))
	appLogger.Info("Payment Service initialized.")

	verifier := webhook.NewVerifier(paymentService, appLogger.With(zap.String("component", "WebhookVerifier")),
		webhook.NewGatewayScheme(cfg.WebhookConfig.GatewaySecret),
		webhook.NewBankScheme(cfg.WebhookConfig.BankSecret),
	)

	handler := payments_http.NewPaymentHandler(paymentService, verifier, appLogger.With(zap.String("component", "HTTPHandler")))
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: payments_http.NewRouter(handler, payments_http.RouterConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			RequestTimeout: cfg.HTTPRequestTimeout,
		}, appLogger.With(zap.String("component", "HTTP"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()
	var workers sync.WaitGroup

	if db != nil {
		kafkaBrokers := cfg.GetKafkaBrokers()
		topicsCtx, cancelTopics := context.WithTimeout(ctxMain, 10*time.Second)
		err = kafka_infra.EnsureTopics(topicsCtx, kafkaBrokers, []string{
			cfg.KafkaPaymentStatusTopic,
			cfg.KafkaAdminDecisionsTopic,
		}, appLogger)
		cancelTopics()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}

		kafkaProducer := kafka_infra.NewProducer(kafkaBrokers, appLogger.With(zap.String("component", "KafkaProducer")))
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			}
		}()

		outboxProcessor := outbox.NewProcessor(store.txManager, store.outbox, kafkaProducer, outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			PollTimeout:  cfg.OutboxPollTimeout,
			BatchSize:    cfg.OutboxBatchSize,
		}, appLogger.With(zap.String("component", "OutboxProcessor")))

		decisionsConsumer := kafka_infra.NewConsumer(
			kafkaBrokers,
			cfg.KafkaConsumerGroup,
			cfg.KafkaAdminDecisionsTopic,
			appLogger.With(zap.String("component", "AdminDecisionsConsumer")),
		)
		decisionHandler := kafka_handler.AdminDecisionMessageHandler(
			paymentService,
			appLogger.With(zap.String("component", "AdminDecisionHandler")),
		)

		workers.Add(2)
		go func() {
			defer workers.Done()
			outboxProcessor.Start(ctxMain)
		}()
		go func() {
			defer workers.Done()
			if err := decisionsConsumer.Start(ctxMain, decisionHandler); err != nil {
				appLogger.Error("Admin decisions consumer failed", zap.Error(err))
			}
		}()
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	cancelMain()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("Background workers stopped.")
	case <-shutdownCtx.Done():
		appLogger.Warn("Background workers did not stop in time.")
	}

	appLogger.Info("Application gracefully shut down.")
}
