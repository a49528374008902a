// Package sweeper periodically reclaims listings whose reservations lapsed.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/payment"
	"github.com/marketplace/checkout/internal/reservation"
)

type Expirer interface {
	CheckExpiredReservations(ctx context.Context) (reservation.SweepResult, error)
}

type StaleReconciler interface {
	ReconcileStale(ctx context.Context) (payment.StaleResult, error)
}

type Result struct {
	Expired reservation.SweepResult `json:"expired"`
	Stale   payment.StaleResult     `json:"stale"`
}

type Worker struct {
	expirer  Expirer
	stale    StaleReconciler
	interval time.Duration
	logger   *zap.Logger
}

// New returns a worker running both passes every interval. stale may be nil.
func New(expirer Expirer, stale StaleReconciler, interval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{expirer: expirer, stale: stale, interval: interval, logger: logger}
}

// Start blocks until ctx is done. The first pass runs immediately.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sweeper started", zap.Duration("interval", w.interval))
	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce expires lapsed reservations and then settles stale confirmed ones.
// Errors are logged; the next tick tries again.
func (w *Worker) RunOnce(ctx context.Context) Result {
	var res Result

	expired, err := w.expirer.CheckExpiredReservations(ctx)
	if err != nil {
		w.logger.Error("expiration sweep", zap.Error(err))
	}
	res.Expired = expired

	if w.stale != nil {
		stale, err := w.stale.ReconcileStale(ctx)
		if err != nil {
			w.logger.Error("stale payment reconciliation", zap.Error(err))
		}
		res.Stale = stale
	}

	if res.Expired.Expired > 0 || res.Stale.Scanned > 0 || res.Expired.Failed > 0 {
		w.logger.Info("sweep finished",
			zap.Int("expired", res.Expired.Expired),
			zap.Int("released", res.Expired.Released),
			zap.Int("failed", res.Expired.Failed),
			zap.Int("stale_paid", res.Stale.Paid),
			zap.Int("stale_expired", res.Stale.Expired),
		)
	}
	return res
}
