package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/memstore"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/payment"
	"github.com/marketplace/checkout/internal/reservation"
)

type countingExpirer struct {
	runs atomic.Int32
	err  error
}

func (c *countingExpirer) CheckExpiredReservations(context.Context) (reservation.SweepResult, error) {
	c.runs.Add(1)
	return reservation.SweepResult{}, c.err
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutListing(orders.Listing{ID: "l1", SellerID: "seller", PriceCents: 1000})
	store.PutListing(orders.Listing{ID: "l2", SellerID: "seller", PriceCents: 2000})

	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	mgr := reservation.NewManager(store, store, clk, logger, reservation.WithTransactor(store), reservation.WithRetry(3, 0))
	fake := payment.NewFake("")
	hs := payment.NewHandshake(mgr, store, fake, clk, logger)

	expiring, err := mgr.InitiateOrder(ctx, reservation.InitiateInput{ListingID: "l1", BuyerID: "alice"})
	require.NoError(t, err)

	paying, err := mgr.InitiateOrder(ctx, reservation.InitiateInput{ListingID: "l2", BuyerID: "bob"})
	require.NoError(t, err)
	_, err = hs.ConfirmOrder(ctx, paying.Reservation.ID, "bob", orders.OrderDetails{ContactName: "Bob", PaymentMethod: orders.MethodWallet})
	require.NoError(t, err)
	_, err = hs.InitiatePayment(ctx, paying.Reservation.ID, "bob")
	require.NoError(t, err)

	w := New(mgr, hs, time.Minute, logger)

	assert.Equal(t, Result{}, w.RunOnce(ctx))

	clk.Advance(30 * time.Minute)
	res := w.RunOnce(ctx)
	assert.Equal(t, reservation.SweepResult{Scanned: 1, Expired: 1, Released: 1}, res.Expired)
	assert.Equal(t, payment.StaleResult{Scanned: 1, Expired: 1}, res.Stale)

	for _, id := range []string{expiring.Reservation.ID, paying.Reservation.ID} {
		r, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusReservationExpired, r.Status)
	}
	for _, id := range []string{"l1", "l2"} {
		l, err := store.GetListing(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.ListingAvailable, l.Status)
	}
}

func TestWorker_StartRunsUntilCancelled(t *testing.T) {
	exp := &countingExpirer{err: errors.New("db down")}
	w := New(exp, nil, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return exp.runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
