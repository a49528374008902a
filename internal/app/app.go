// Package app assembles the checkout components from configuration. Each
// binary under cmd/ builds what it needs and owns the shutdown order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/config"
	kafkax "github.com/marketplace/checkout/internal/kafka"
	"github.com/marketplace/checkout/internal/memstore"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/payment"
	"github.com/marketplace/checkout/internal/postgres"
	"github.com/marketplace/checkout/internal/redisx"
	"github.com/marketplace/checkout/internal/reservation"
	"github.com/marketplace/checkout/migrations"
)

// NewLogger returns a development logger when the environment asks for one.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

type Stores struct {
	Ledger   orders.Ledger
	Listings orders.ListingStore
	Tx       orders.Transactor
	close    func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores connects to Postgres and applies migrations, or returns a
// seeded in-memory store when STORE_DRIVER=memory.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.StoreDriver == "memory" {
		mem := memstore.New()
		seedDemo(mem, cfg.Currency)
		logger.Warn("using in-memory store; state is lost on restart")
		return &Stores{Ledger: mem, Listings: mem, Tx: mem}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := migrations.Apply(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Stores{
		Ledger:   postgres.NewLedger(pool),
		Listings: postgres.NewListingStore(pool),
		Tx:       postgres.NewTransactor(pool),
		close:    pool.Close,
	}, nil
}

func seedDemo(mem *memstore.Store, currency string) {
	trial := int64(1500)
	mem.PutListing(orders.Listing{ID: "demo-listing", SellerID: "demo-seller", PriceCents: 10000, TestPriceCents: &trial, Currency: currency})
	mem.PutDeliveryOption(orders.DeliveryOption{ID: "standard", Label: "Standard delivery", PriceCents: 500})
}

// OpenRedis returns nil when Redis is disabled or unreachable. Everything
// that uses it is optional.
func OpenRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redisx.New(cfg.RedisAddr)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisx.Ping(pingCtx, rdb); err != nil {
		logger.Warn("redis unavailable; dedup, cache and hints disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// NewProducer returns nil when no brokers are configured.
func NewProducer(ctx context.Context, cfg config.Config, logger *zap.Logger) *kafkax.Producer {
	brokers := cfg.KafkaBrokers()
	if len(brokers) == 0 {
		logger.Info("kafka disabled; lifecycle events are not published")
		return nil
	}
	p := kafkax.NewProducer(brokers, 1024, logger)
	p.Start(ctx)
	return p
}

// NewAuthority builds the configured payment authority behind a circuit breaker.
func NewAuthority(cfg config.Config, clk clock.Clock, logger *zap.Logger) (payment.Authority, error) {
	var next payment.Authority
	switch cfg.PaymentProvider {
	case "fake":
		logger.Warn("using fake payment authority")
		next = payment.NewFake(cfg.StripeWebhookSecret)
	default:
		s, err := payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)
		if err != nil {
			return nil, err
		}
		next = s
	}
	return payment.NewBreaker(next, cfg.PaymentBreakerFailures, cfg.PaymentBreakerReset, clk, logger), nil
}

type Checkout struct {
	Clock     clock.Clock
	Manager   *reservation.Manager
	Handshake *payment.Handshake
}

// NewCheckout wires the reservation manager and payment handshake. producer
// and rdb may be nil.
func NewCheckout(cfg config.Config, stores *Stores, producer *kafkax.Producer, rdb *redis.Client, logger *zap.Logger) (*Checkout, error) {
	clk := clock.NewSystem()

	opts := []reservation.Option{
		reservation.WithTransactor(stores.Tx),
		reservation.WithTTL(cfg.ReservationTTL),
		reservation.WithRetry(cfg.ReserveMaxAttempts, cfg.ReserveRetryBackoff),
		reservation.WithFeePolicy(orders.NewFeePolicy(cfg.ServiceFeeRate, cfg.ServiceFeeFixedCents)),
		reservation.WithTrialPeriod(cfg.TrialPeriod),
		reservation.WithCurrency(cfg.Currency),
		reservation.WithBatchSize(cfg.SweepBatchSize),
	}
	if producer != nil {
		opts = append(opts, reservation.WithPublisher(kafkax.NewEventPublisher(producer), cfg.ServiceName))
	}
	mgr := reservation.NewManager(stores.Ledger, stores.Listings, clk, logger, opts...)

	authority, err := NewAuthority(cfg, clk, logger)
	if err != nil {
		return nil, err
	}
	hsOpts := []payment.Option{
		payment.WithGrace(cfg.PaymentGrace),
		payment.WithBatchSize(cfg.SweepBatchSize),
	}
	if rdb != nil {
		hsOpts = append(hsOpts, payment.WithDeduper(redisx.NewDeduper(rdb, "payments")))
	}
	hs := payment.NewHandshake(mgr, stores.Ledger, authority, clk, logger, hsOpts...)

	return &Checkout{Clock: clk, Manager: mgr, Handshake: hs}, nil
}
