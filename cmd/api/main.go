package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/app"
	"github.com/marketplace/checkout/internal/auth"
	"github.com/marketplace/checkout/internal/config"
	"github.com/marketplace/checkout/internal/httpx"
	"github.com/marketplace/checkout/internal/redisx"
	"github.com/marketplace/checkout/internal/sweeper"
	"github.com/marketplace/checkout/internal/tracing"
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

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	// Stores
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("stores", zap.Error(err))
	}
	defer stores.Close()

	// Redis (optional)
	rdb := app.OpenRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// Kafka producer (optional)
	prod := app.NewProducer(ctx, cfg, logger)

	checkout, err := app.NewCheckout(cfg, stores, prod, rdb, logger)
	if err != nil {
		logger.Fatal("checkout", zap.Error(err))
	}

	verifier, err := auth.NewVerifier(cfg.AuthJWTSecret, checkout.Clock.Now)
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	sw := sweeper.New(checkout.Manager, checkout.Handshake, cfg.SweepInterval, logger.Named("sweeper"))
	if cfg.EmbeddedSweeper {
		go sw.Start(ctx)
	}

	router := httpx.NewRouter(logger)
	oh := &httpx.OrdersHandler{
		Reservations: checkout.Manager,
		Payments:     checkout.Handshake,
		Verifier:     verifier,
		Sweeper:      sw,
		Now:          checkout.Clock.Now,
		Logger:       logger,
	}
	if rdb != nil {
		oh.Cache = redisx.NewAvailabilityCache(rdb, redisx.TTLAvailability)
		oh.Hints = redisx.NewHintPublisher(rdb)
	}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// graceful shutdown
	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel() // stop sweeper
	if prod != nil {
		prod.Close()      // close inbox, flush and close writer
		prod.WaitClosed() // drain
	}
	if err := shutdownTracing(ctx2); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
