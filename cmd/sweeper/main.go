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
	"github.com/marketplace/checkout/internal/sweeper"
	"github.com/marketplace/checkout/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ServiceName += "-sweeper"
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.StoreDriver == "memory" {
		logger.Fatal("standalone sweeper needs a shared store; use STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("stores", zap.Error(err))
	}
	defer stores.Close()

	prod := app.NewProducer(ctx, cfg, logger)

	checkout, err := app.NewCheckout(cfg, stores, prod, nil, logger)
	if err != nil {
		logger.Fatal("checkout", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.New(checkout.Manager, checkout.Handshake, cfg.SweepInterval, logger).Start(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down sweeper")
	cancel()
	<-done

	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	_ = shutdownTracing(context.Background())
}
