package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/testutil"
)

func newReservation(listingID, buyerID string, created time.Time) orders.Reservation {
	return orders.Reservation{
		ID:            uuid.NewString(),
		ListingID:     listingID,
		BuyerID:       buyerID,
		SellerID:      "seller-1",
		Kind:          orders.KindPurchase,
		SubtotalCents: 11000,
		TotalCents:    11550,
		Currency:      "usd",
		Status:        orders.StatusReserved,
		CreatedAt:     created,
		ExpiresAt:     created.Add(10 * time.Minute),
	}
}

func TestStores_ReserveSellCycle(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)
	testutil.InsertListing(t, ctx, pool, orders.Listing{ID: "lst-1", SellerID: "seller-1", PriceCents: 10000})

	listings := NewListingStore(pool)
	ledger := NewLedger(pool)
	tx := NewTransactor(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := newReservation("lst-1", "buyer-1", now)
	err := tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := listings.GetListing(ctx, "lst-1"); err != nil {
			return err
		}
		if err := ledger.Create(ctx, r); err != nil {
			return err
		}
		return listings.MarkReserved(ctx, "lst-1", r.ID, "")
	})
	require.NoError(t, err)

	l, err := listings.GetListing(ctx, "lst-1")
	require.NoError(t, err)
	assert.Equal(t, orders.ListingReserved, l.Status)
	assert.Equal(t, r.ID, l.ActiveReservationID)

	other := uuid.NewString()
	assert.ErrorIs(t, listings.MarkReserved(ctx, "lst-1", other, ""), orders.ErrListingStateChanged)

	ok, err := ledger.Confirm(ctx, r.ID, orders.OrderDetails{ContactName: "Ana", PaymentMethod: orders.MethodCard}, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.SetPaymentIntent(ctx, r.ID, "pi_123", "pi_123_secret", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, listings.MarkSold(ctx, "lst-1", r.ID))
	ok, err = ledger.MarkPaid(ctx, r.ID, now.Add(3*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.MarkPaid(ctx, r.ID, now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	assert.Equal(t, orders.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "pi_123", got.PaymentIntentID)
	require.NotNil(t, got.Details)
	assert.Equal(t, "Ana", got.Details.ContactName)
	assert.True(t, got.ExpiresAt.Equal(r.ExpiresAt))

	released, err := listings.Release(ctx, "lst-1", r.ID)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestStores_TxRollbackLeavesNoRow(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)
	testutil.InsertListing(t, ctx, pool, orders.Listing{ID: "lst-1", SellerID: "seller-1", PriceCents: 10000})

	ledger := NewLedger(pool)
	r := newReservation("lst-1", "buyer-1", time.Now().UTC())
	boom := errors.New("listing update failed")

	err := NewTransactor(pool).WithTx(ctx, func(ctx context.Context) error {
		if err := ledger.Create(ctx, r); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = ledger.Get(ctx, r.ID)
	assert.ErrorIs(t, err, orders.ErrReservationNotFound)
}

func TestLedger_ExpiryQueries(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)
	testutil.InsertListing(t, ctx, pool, orders.Listing{ID: "lst-1", SellerID: "seller-1", PriceCents: 10000})

	ledger := NewLedger(pool)
	listings := NewListingStore(pool)
	base := time.Now().UTC().Add(-time.Hour)

	old := newReservation("lst-1", "buyer-1", base)
	fresh := newReservation("lst-1", "buyer-2", base.Add(55*time.Minute))
	require.NoError(t, ledger.Create(ctx, old))
	require.NoError(t, ledger.Create(ctx, fresh))
	require.NoError(t, listings.MarkReserved(ctx, "lst-1", old.ID, ""))
	require.NoError(t, listings.MarkReserved(ctx, "lst-1", fresh.ID, old.ID))

	expired, err := ledger.ListExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	ok, err := ledger.UpdateStatus(ctx, old.ID, orders.StatusReserved, orders.StatusReservationExpired, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := listings.Release(ctx, "lst-1", old.ID)
	require.NoError(t, err)
	assert.False(t, released, "sweep must not clobber the newer reservation")

	ok, err = ledger.UpdateStatus(ctx, old.ID, orders.StatusReserved, orders.StatusReservationExpired, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.UpdateStatus(ctx, uuid.NewString(), orders.StatusReserved, orders.StatusCancelled, time.Now().UTC())
	assert.ErrorIs(t, err, orders.ErrReservationNotFound)

	active, err := ledger.FindActiveForBuyer(ctx, "lst-1", "buyer-2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.ID, active[0].ID)
}
