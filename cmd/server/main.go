package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/api"
	"github.com/honeynil/LendingServiceTochka/internal/config"
	"github.com/honeynil/LendingServiceTochka/internal/handler"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/auth"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/kafka"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/payment"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/redis"
	"github.com/honeynil/LendingServiceTochka/internal/infrastructure/subscription"
	"github.com/honeynil/LendingServiceTochka/internal/lifecycle"
	"github.com/honeynil/LendingServiceTochka/internal/observability"
	core "github.com/honeynil/LendingServiceTochka/internal/repository/postgres"
	service "github.com/honeynil/LendingServiceTochka/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Логи, метрики, трейсы
	shutdownTracing, metricsHandler := observability.Setup("lending-service", cfg.LogLevel, cfg.OTLPEndpoint)
	defer shutdownTracing(context.Background())

	completion, err := lifecycle.ParseCompletionPolicy(cfg.Policy.CompletionPolicy)
	if err != nil {
		log.Fatalf("Invalid completion policy: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()
	redisClient, err := redis.NewClient(startCtx, redis.Options{Addr: cfg.RedisAddr})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, cfg.Policy.LockTTL)

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	publisher := kafka.NewPublisher(producer, cfg.Topics.TransactionEvents)

	// Репозитории
	transactionRepo := core.NewPostgresTransactionRepository(db)
	listingRepo := core.NewPostgresListingRepository(db)
	userRepo := core.NewPostgresUserRepository(db)
	disputeRepo := core.NewPostgresDisputeRepository(db)
	ratingRepo := core.NewPostgresRatingRepository(db)

	// Сервисы
	subscriptions := subscription.NewClient(cfg.Subscription.BaseURL, cfg.Subscription.Timeout)
	processor := payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey, cfg.Payment.Currency, cfg.Payment.Timeout)

	access := service.NewAccessGate(subscriptions, redisClient, service.AccessPolicy{
		FailOpen: cfg.Policy.AccessFailOpen,
		CacheTTL: cfg.Policy.AccessCacheTTL,
	})
	payments := service.NewPaymentOrchestrator(processor)
	disputes := service.NewDisputeResolver(disputeRepo, transactionRepo, payments, locker, publisher)
	ratings := service.NewRatingGate(ratingRepo)
	transactions := service.NewTransactionService(
		transactionRepo,
		listingRepo,
		userRepo,
		access,
		payments,
		disputes,
		ratings,
		redisClient,
		locker,
		publisher,
		service.TransactionPolicy{Completion: completion, IdempotencyTTL: cfg.Policy.IdempotencyTTL},
	)

	// Консьюмер расчётов
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	settlements := kafka.NewSettlementConsumer(cfg.KafkaBrokers, cfg.Topics.TransactionEvents, cfg.Topics.SettlementGroup, transactions)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		settlements.Consume(consumerCtx)
	}()
	sweeper := service.NewSettlementSweeper(transactionRepo, transactions, service.SweepPolicy{
		Interval: cfg.Policy.SettlementSweep,
		Grace:    cfg.Policy.SettlementGrace,
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(consumerCtx)
	}()

	h := handler.NewHandler(transactions, disputes, access, listingRepo, userRepo)
	router := api.SetupRouter(api.RouterDeps{
		Handler:     h,
		JWT:         auth.NewJWTService(cfg.JWTSecret, 0),
		RedisClient: redisClient,
		RateLimit:   cfg.RateLimit,
		Metrics:     metricsHandler,
		Health: map[string]api.HealthCheck{
			"postgres": db.PingContext,
			"redis":    redisClient.Ping,
		},
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	stopConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		slog.Warn("settlement consumer did not stop in time")
	}
	select {
	case <-sweepDone:
	case <-ctx.Done():
		slog.Warn("settlement sweep did not stop in time")
	}
	if err := settlements.Close(); err != nil {
		slog.Error("failed to close settlement consumer", "error", err)
	}
	slog.Info("server stopped")
}
