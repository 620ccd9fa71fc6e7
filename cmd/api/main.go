package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Dan9191/credit-service/internal/config"
	"github.com/Dan9191/credit-service/internal/gateway"
	"github.com/Dan9191/credit-service/internal/handler"
	"github.com/Dan9191/credit-service/internal/ingest"
	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/Dan9191/credit-service/internal/queue/memory"
	"github.com/Dan9191/credit-service/internal/queue/postgres"
	"github.com/Dan9191/credit-service/internal/repository"
	"github.com/Dan9191/credit-service/internal/resilience"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/Dan9191/credit-service/internal/scheduler"
	"github.com/Dan9191/credit-service/internal/service"
	"github.com/Dan9191/credit-service/internal/utils/email"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	dialect, err := repository.ParseDialect(cfg.DBDriver)
	if err != nil {
		logger.Fatalf("Invalid database driver: %v", err)
	}
	db, err := repository.Open(ctx, dialect, cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	broker, err := newBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer broker.Close()

	// Initialize layers
	policies := resilience.NewRegistry(resilience.Settings{
		Timeout:          cfg.Timeout(),
		RetryCount:       cfg.RetryCount,
		RetryBaseDelay:   cfg.RetryBaseDelay(),
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Cooldown:         cfg.BreakerCooldown(),
	}, logger)
	gw := gateway.New(broker, gateway.Config{
		Topic:            cfg.TopicName,
		Subscription:     cfg.SubscriptionName,
		AuditTopic:       cfg.AuditTopicName,
		MaxDeliveryCount: cfg.MaxDeliveryCount,
	}, policies, logger)

	var alerter saga.Alerter
	if cfg.AlertsEnabled() {
		alerter = email.NewSender(cfg, logger)
	}
	sagas := saga.NewRuntime(repository.NewSagaStore(db, dialect), alerter, logger)

	repo := repository.NewRepository(db, dialect)
	svc := service.NewService(repo, gw, sagas, logger, cfg)
	h := handler.NewHandler(svc, logger)

	loop := ingest.NewLoop(ingest.Config{
		Interval:    cfg.PollInterval(),
		BatchSize:   cfg.ReceiveBatchSize,
		MaxWait:     cfg.ReceiveMaxWait(),
		Concurrency: cfg.IngestConcurrency,
	}, func(ctx context.Context) (ingest.Ledger, func() error, error) {
		unit, err := repository.Acquire(ctx, db, dialect)
		if err != nil {
			return nil, nil, err
		}
		return unit, unit.Release, nil
	}, gw, sagas, logger)

	watchdog := scheduler.New(sagas, cfg.SagaStaleAfter(), logger)
	if err := watchdog.Start(cfg.WatchdogSchedule); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			logger.Errorf("Ingestion loop exited: %v", err)
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.NewRouter(h),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	watchdog.Stop()
	wg.Wait()
	svc.Wait()
	logger.Info("Shutdown complete")
}

func newBroker(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (queue.Broker, error) {
	switch cfg.QueueDriver {
	case "memory":
		logger.Warn("Using in-memory queue, messages do not survive restarts")
		return memory.New(), nil
	case "postgres":
		b, err := postgres.New(ctx, cfg.QueueConn, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
}
