package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/memstore"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/reservation"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var details = orders.OrderDetails{
	DeliveryAddress: "1 Main St",
	ContactName:     "Alice",
	ContactEmail:    "alice@example.com",
	PaymentMethod:   orders.MethodCard,
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []orders.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.envs {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type fixture struct {
	store *memstore.Store
	clock *clock.Manual
	pub   *recordingPublisher
	fake  *Fake
	dedup *memDedup
	mgr   *reservation.Manager
	hs    *Handshake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutListing(orders.Listing{ID: "l1", SellerID: "seller", PriceCents: 10000, Currency: "usd"})
	store.PutDeliveryOption(orders.DeliveryOption{ID: "courier", PriceCents: 1000})

	clk := clock.NewManual(t0)
	logger := zaptest.NewLogger(t)
	pub := &recordingPublisher{}
	mgr := reservation.NewManager(store, store, clk, logger,
		reservation.WithTransactor(store),
		reservation.WithPublisher(pub, "test"),
		reservation.WithRetry(3, 0),
	)
	fake := NewFake("whsec")
	dedup := &memDedup{seen: make(map[string]bool)}
	hs := NewHandshake(mgr, store, fake, clk, logger, WithDeduper(dedup))
	return &fixture{store: store, clock: clk, pub: pub, fake: fake, dedup: dedup, mgr: mgr, hs: hs}
}

func (f *fixture) reserve(t *testing.T, buyer string) orders.Reservation {
	t.Helper()
	res, err := f.mgr.InitiateOrder(context.Background(), reservation.InitiateInput{
		ListingID:        "l1",
		BuyerID:          buyer,
		DeliveryOptionID: "courier",
	})
	require.NoError(t, err)
	return res.Reservation
}

func (f *fixture) confirmed(t *testing.T, buyer string) orders.Reservation {
	t.Helper()
	r := f.reserve(t, buyer)
	r, err := f.hs.ConfirmOrder(context.Background(), r.ID, buyer, details)
	require.NoError(t, err)
	return r
}

func (f *fixture) listing(t *testing.T) orders.Listing {
	t.Helper()
	l, err := f.store.GetListing(context.Background(), "l1")
	require.NoError(t, err)
	return l
}

func (f *fixture) get(t *testing.T, id string) orders.Reservation {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func webhookPayload(t *testing.T, ev WebhookEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestHandshake_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	assert.Equal(t, orders.StatusConfirmed, r.Status)
	require.NotNil(t, r.Details)
	assert.Equal(t, "Alice", r.Details.ContactName)

	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(11550), intent.AmountCents)
	assert.Equal(t, r.ID, intent.ReservationID)
	assert.Equal(t, orders.PaymentPending, f.get(t, r.ID).PaymentStatus)

	f.fake.Succeed(intent.ID)
	paid, err := f.hs.HandlePaymentResult(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, paid.Status)
	assert.Equal(t, orders.PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, orders.ListingSold, f.listing(t).Status)

	again, err := f.hs.HandlePaymentResult(ctx, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPaid, again.PaymentStatus)
	assert.Equal(t, 1, f.pub.count(orders.EventPaymentSucceeded))

	// A late failure notice does not undo the payment.
	after, err := f.hs.HandlePaymentResult(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPaid, after.PaymentStatus)
}

func TestHandshake_DeclinedPaymentCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	first, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)

	f.fake.Fail(first.ID)
	failed, err := f.hs.HandlePaymentResult(ctx, r.ID, false)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, failed.Status)
	assert.Equal(t, orders.PaymentFailed, failed.PaymentStatus)
	assert.Equal(t, orders.ListingReserved, f.listing(t).Status)
	assert.Equal(t, r.ID, f.listing(t).ActiveReservationID)

	second, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, f.fake.Created)
	assert.Equal(t, []string{first.ID}, f.fake.Cancelled, "declined intent is cancelled before the retry")

	cur := f.get(t, r.ID)
	assert.Equal(t, orders.PaymentPending, cur.PaymentStatus)
	assert.Equal(t, second.ID, cur.PaymentIntentID)
}

func TestHandshake_InitiatePaymentReusesOpenIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	first, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	second, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.fake.Created)
}

func TestHandshake_InitiatePaymentAuthorityDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	f.fake.SetError(errors.New("connection refused"))

	_, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.ErrorIs(t, err, orders.ErrPaymentAuthority)
	assert.True(t, orders.KindOf(err).Retryable())

	cur := f.get(t, r.ID)
	assert.Equal(t, orders.StatusConfirmed, cur.Status)
	assert.Equal(t, orders.PaymentNone, cur.PaymentStatus)
	assert.Empty(t, cur.PaymentIntentID)

	f.fake.SetError(nil)
	_, err = f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
}

func TestHandshake_InitiatePaymentPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.reserve(t, "alice")

	_, err := f.hs.InitiatePayment(ctx, r.ID, "")
	require.ErrorIs(t, err, orders.ErrUnauthenticated)
	_, err = f.hs.InitiatePayment(ctx, r.ID, "bob")
	require.ErrorIs(t, err, orders.ErrForbidden)
	_, err = f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.ErrorIs(t, err, orders.ErrInvalidTransition)

	_, err = f.hs.ConfirmOrder(ctx, r.ID, "alice", details)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.ErrorIs(t, err, orders.ErrReservationExpired)
	assert.Zero(t, f.fake.Created)
}

func TestHandshake_ConfirmRequiresActiveReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.reserve(t, "alice")

	_, err := f.hs.ConfirmOrder(ctx, r.ID, "alice", orders.OrderDetails{PaymentMethod: orders.MethodCard})
	require.ErrorIs(t, err, orders.ErrContactRequired)
	_, err = f.hs.ConfirmOrder(ctx, r.ID, "alice", orders.OrderDetails{ContactName: "Alice", PaymentMethod: "cash"})
	require.ErrorIs(t, err, orders.ErrInvalidPaymentMethod)

	f.clock.Advance(10 * time.Minute)
	_, err = f.hs.ConfirmOrder(ctx, r.ID, "alice", details)
	require.ErrorIs(t, err, orders.ErrNoActiveReservation)

	cur := f.get(t, r.ID)
	assert.Equal(t, orders.StatusReserved, cur.Status)
	assert.Nil(t, cur.Details)
}

func TestHandshake_ReconcileReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	_, _, err := f.hs.ReconcileReturn(ctx, r.ID, "alice")
	require.ErrorIs(t, err, orders.ErrNoPaymentIntent)

	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)

	cur, status, err := f.hs.ReconcileReturn(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, IntentRequiresPayment, status)
	assert.Equal(t, orders.PaymentPending, cur.PaymentStatus)

	f.fake.Succeed(intent.ID)
	cur, status, err = f.hs.ReconcileReturn(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, status)
	assert.Equal(t, orders.PaymentPaid, cur.PaymentStatus)
	assert.Equal(t, orders.ListingSold, f.listing(t).Status)
}

func TestHandshake_WebhookIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Succeed(intent.ID)

	payload := webhookPayload(t, WebhookEvent{ID: "evt_1", Type: "payment_intent.succeeded", IntentID: intent.ID, ReservationID: r.ID})

	err = f.hs.HandleWebhook(ctx, payload, "wrong")
	require.ErrorIs(t, err, orders.ErrInvalidSignature)

	require.NoError(t, f.hs.HandleWebhook(ctx, payload, "whsec"))
	require.NoError(t, f.hs.HandleWebhook(ctx, payload, "whsec"))

	assert.Equal(t, orders.PaymentPaid, f.get(t, r.ID).PaymentStatus)
	assert.Equal(t, 1, f.pub.count(orders.EventPaymentSucceeded))
}

func TestHandshake_WebhookFailureIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Succeed(intent.ID)
	payload := webhookPayload(t, WebhookEvent{ID: "evt_2", Type: "payment_intent.succeeded", IntentID: intent.ID, ReservationID: r.ID})

	f.fake.SetError(errors.New("timeout"))
	err = f.hs.HandleWebhook(ctx, payload, "whsec")
	require.ErrorIs(t, err, orders.ErrPaymentAuthority)
	assert.Equal(t, orders.PaymentPending, f.get(t, r.ID).PaymentStatus)

	f.fake.SetError(nil)
	require.NoError(t, f.hs.HandleWebhook(ctx, payload, "whsec"))
	assert.Equal(t, orders.PaymentPaid, f.get(t, r.ID).PaymentStatus)
}

func TestHandshake_LatePaymentIsOrphaned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	bob := f.reserve(t, "bob")

	f.fake.Succeed(intent.ID)
	_, err = f.hs.HandlePaymentResult(ctx, r.ID, true)
	require.ErrorIs(t, err, orders.ErrPaymentOrphaned)
	assert.Equal(t, orders.KindConflict, orders.KindOf(err))
	assert.Equal(t, 1, f.pub.count(orders.EventPaymentOrphaned))

	l := f.listing(t)
	assert.Equal(t, orders.ListingReserved, l.Status)
	assert.Equal(t, bob.ID, l.ActiveReservationID)

	// The webhook path records the orphan and acknowledges the delivery.
	payload := webhookPayload(t, WebhookEvent{ID: "evt_3", Type: "payment_intent.succeeded", IntentID: intent.ID, ReservationID: r.ID})
	require.NoError(t, f.hs.HandleWebhook(ctx, payload, "whsec"))
}

func TestHandshake_ReconcileStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	res, err := f.hs.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, StaleResult{}, res)

	f.clock.Advance(5 * time.Minute)
	res, err = f.hs.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, StaleResult{Scanned: 1, Expired: 1}, res)
	assert.Equal(t, []string{intent.ID}, f.fake.Cancelled)

	cur := f.get(t, r.ID)
	assert.Equal(t, orders.StatusReservationExpired, cur.Status)
	assert.Equal(t, orders.ListingAvailable, f.listing(t).Status)
}

func TestHandshake_ReconcileStaleRecordsSucceededPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Succeed(intent.ID)

	f.clock.Advance(time.Hour)
	res, err := f.hs.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, StaleResult{Scanned: 1, Paid: 1}, res)

	cur := f.get(t, r.ID)
	assert.Equal(t, orders.StatusConfirmed, cur.Status)
	assert.Equal(t, orders.PaymentPaid, cur.PaymentStatus)
	assert.Equal(t, orders.ListingSold, f.listing(t).Status)
	assert.Empty(t, f.fake.Cancelled)
}

func TestHandshake_ReconcileStaleCancelsDeclinedIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Fail(intent.ID)
	_, err = f.hs.HandlePaymentResult(ctx, r.ID, false)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	res, err := f.hs.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, StaleResult{Scanned: 1, Expired: 1}, res)
	assert.Equal(t, []string{intent.ID}, f.fake.Cancelled)
	assert.Equal(t, orders.StatusReservationExpired, f.get(t, r.ID).Status)
	assert.Equal(t, orders.ListingAvailable, f.listing(t).Status)
}

type cancelRefused struct{ *Fake }

func (cancelRefused) CancelIntent(context.Context, string) error {
	return fmt.Errorf("%w: cancel timed out", orders.ErrPaymentAuthority)
}

func TestHandshake_ReconcileStaleKeepsReservationWhenCancelFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.confirmed(t, "alice")
	intent, err := f.hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Fail(intent.ID)

	hs := NewHandshake(f.mgr, f.store, cancelRefused{f.fake}, f.clock, zaptest.NewLogger(t))
	f.clock.Advance(30 * time.Minute)
	res, err := hs.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, StaleResult{Scanned: 1, Failed: 1}, res)
	assert.Equal(t, orders.StatusConfirmed, f.get(t, r.ID).Status)
	assert.Equal(t, orders.ListingReserved, f.listing(t).Status)
}

func TestHandshake_RetryWaitsForDeclinedIntentCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hs := NewHandshake(f.mgr, f.store, cancelRefused{f.fake}, f.clock, zaptest.NewLogger(t))

	r := f.confirmed(t, "alice")
	first, err := hs.InitiatePayment(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.fake.Fail(first.ID)

	_, err = hs.InitiatePayment(ctx, r.ID, "alice")
	require.ErrorIs(t, err, orders.ErrPaymentAuthority)
	assert.Equal(t, 1, f.fake.Created)
	assert.Equal(t, first.ID, f.get(t, r.ID).PaymentIntentID)
}
