package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/app"
	"github.com/marketplace/checkout/internal/config"
	kafkax "github.com/marketplace/checkout/internal/kafka"
	"github.com/marketplace/checkout/internal/notifier"
	"github.com/marketplace/checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	brokers := cfg.KafkaBrokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := app.OpenRedis(ctx, cfg, logger)
	if rdb == nil {
		logger.Fatal("redis is required", zap.String("addr", cfg.RedisAddr))
	}
	defer rdb.Close()

	svc := &notifier.Service{
		Dedup:  redisx.NewDeduper(rdb, "notifier"),
		Cache:  redisx.NewAvailabilityCache(rdb, redisx.TTLAvailability),
		Hints:  redisx.NewHintPublisher(rdb),
		Logger: logger,
	}

	cons := kafkax.NewConsumer(brokers, cfg.NotifierGroup, notifier.Topics, cfg.NotifierWorkers, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("notifier consumer started",
			zap.String("group", cfg.NotifierGroup),
			zap.Strings("topics", notifier.Topics),
			zap.Int("workers", cfg.NotifierWorkers),
		)
		if err := cons.Start(ctx, svc.HandleEvent); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer")
	cancel()
	<-done
}
