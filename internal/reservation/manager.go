package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/metrics"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/retry"
)

const (
	defaultTTL         = 10 * time.Minute
	defaultTrialPeriod = 7 * 24 * time.Hour
	defaultBatchSize   = 100
	defaultAttempts    = 3
	defaultBackoff     = 500 * time.Millisecond
)

var tracer = otel.Tracer("github.com/marketplace/checkout/internal/reservation")

// Discounter supplies the discount applied before the service fee.
type Discounter interface {
	Discount(ctx context.Context, listing orders.Listing, buyerID string) (int64, error)
}

type noDiscount struct{}

func (noDiscount) Discount(context.Context, orders.Listing, string) (int64, error) { return 0, nil }

// Manager owns every reservation transition and is the only writer of
// listing availability.
type Manager struct {
	ledger     orders.Ledger
	listings   orders.ListingStore
	tx         orders.Transactor
	clock      clock.Clock
	logger     *zap.Logger
	retry      *retry.Policy
	discounter Discounter
	fees       orders.FeePolicy
	events     *Emitter

	publisher   orders.Publisher
	producer    string
	ttl         time.Duration
	trialPeriod time.Duration
	currency    string
	batchSize   int
	newID       func() string
}

type Option func(*Manager)

// WithTransactor makes each operation atomic across ledger and listings.
func WithTransactor(tx orders.Transactor) Option {
	return func(m *Manager) { m.tx = tx }
}

func WithPublisher(p orders.Publisher, producer string) Option {
	return func(m *Manager) {
		m.publisher = p
		if producer != "" {
			m.producer = producer
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithRetry sets the total attempts and base backoff for initiateOrder.
func WithRetry(maxAttempts int, backoff time.Duration, opts ...retry.Option) Option {
	return func(m *Manager) {
		opts = append([]retry.Option{retry.WithRetryable(retryableReserveError)}, opts...)
		m.retry = retry.New(maxAttempts, backoff, opts...)
	}
}

func WithDiscounter(d Discounter) Option {
	return func(m *Manager) {
		if d != nil {
			m.discounter = d
		}
	}
}

func WithFeePolicy(f orders.FeePolicy) Option {
	return func(m *Manager) { m.fees = f }
}

func WithTrialPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.trialPeriod = d
		}
	}
}

// WithCurrency is used for listings that carry no currency of their own.
func WithCurrency(c string) Option {
	return func(m *Manager) {
		if c != "" {
			m.currency = c
		}
	}
}

func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func NewManager(ledger orders.Ledger, listings orders.ListingStore, clk clock.Clock, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		ledger:      ledger,
		listings:    listings,
		clock:       clk,
		logger:      logger,
		retry:       retry.New(defaultAttempts, defaultBackoff, retry.WithRetryable(retryableReserveError)),
		discounter:  noDiscount{},
		fees:        orders.NewFeePolicy(0.05, 0),
		producer:    "checkout-api",
		ttl:         defaultTTL,
		trialPeriod: defaultTrialPeriod,
		currency:    "usd",
		batchSize:   defaultBatchSize,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = NewEmitter(m.publisher, m.producer, logger, clk.Now)
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Events exposes the emitter so the payment handshake publishes through the same producer.
func (m *Manager) Events() *Emitter { return m.events }

// A lost listing compare-and-set is retried: the next attempt re-reads the
// listing and either resumes or reports the listing unavailable.
func retryableReserveError(err error) bool {
	return orders.IsTransient(err) || errors.Is(err, orders.ErrListingStateChanged)
}

func (m *Manager) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.tx == nil {
		return fn(ctx)
	}
	return m.tx.WithTx(ctx, fn)
}

type InitiateInput struct {
	ListingID        string
	BuyerID          string
	DeliveryOptionID string
	Trial            bool
}

type InitiateResult struct {
	Reservation orders.Reservation
	// Resumed is set when the buyer's existing reservation was returned.
	Resumed bool
}

// InitiateOrder reserves a listing for the buyer, or returns the buyer's
// reservation that already holds it.
func (m *Manager) InitiateOrder(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	ctx, span := tracer.Start(ctx, "reservation.InitiateOrder", trace.WithAttributes(
		attribute.String("listing.id", in.ListingID),
		attribute.Bool("trial", in.Trial),
	))
	defer span.End()

	if in.BuyerID == "" {
		return InitiateResult{}, orders.ErrUnauthenticated
	}
	if in.ListingID == "" {
		return InitiateResult{}, fmt.Errorf("%w: listing id required", orders.ErrInvalidInput)
	}

	var res InitiateResult
	err := m.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := m.initiateOnce(ctx, in)
		if err != nil {
			if retryableReserveError(err) {
				metrics.ReserveAttempt("retryable")
				m.logger.Warn("reserve attempt failed",
					zap.String("listing_id", in.ListingID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			} else {
				metrics.ReserveAttempt("rejected")
			}
			return err
		}
		metrics.ReserveAttempt("ok")
		res = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, orders.ErrListingStateChanged):
			metrics.ReservationConflict()
			return InitiateResult{}, fmt.Errorf("%w: %v", orders.ErrListingUnavailable, err)
		case errors.Is(err, orders.ErrListingUnavailable):
			metrics.ReservationConflict()
			m.logger.Info("listing unavailable", zap.String("listing_id", in.ListingID))
			return InitiateResult{}, err
		case orders.IsTransient(err):
			m.logger.Error("could not reserve listing",
				zap.String("listing_id", in.ListingID),
				zap.Int("attempts", m.retry.MaxAttempts()),
				zap.Error(err),
			)
			return InitiateResult{}, fmt.Errorf("%w: %v", orders.ErrCouldNotReserve, err)
		}
		return InitiateResult{}, err
	}

	if res.Resumed {
		metrics.ReservationResumed()
	} else {
		metrics.ReservationCreated()
		m.logger.Info("reservation created",
			zap.String("reservation_id", res.Reservation.ID),
			zap.String("listing_id", res.Reservation.ListingID),
			zap.Time("expires_at", res.Reservation.ExpiresAt),
		)
	}
	span.SetAttributes(attribute.String("reservation.id", res.Reservation.ID), attribute.Bool("resumed", res.Resumed))
	return res, nil
}

func (m *Manager) initiateOnce(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	now := m.clock.Now()
	batch := m.events.Batch()
	var out InitiateResult

	err := m.withTx(ctx, func(ctx context.Context) error {
		batch.Reset()

		listing, err := m.listings.GetListing(ctx, in.ListingID)
		if err != nil {
			return err
		}
		if listing.SellerID == in.BuyerID {
			return orders.ErrSelfPurchase
		}

		holder, err := m.holder(ctx, listing, now)
		if err != nil {
			return err
		}
		if holder != nil {
			if holder.BuyerID == in.BuyerID {
				out = InitiateResult{Reservation: *holder, Resumed: true}
				return nil
			}
			return orders.ErrListingUnavailable
		}
		if listing.Status == orders.ListingSold {
			return orders.ErrListingUnavailable
		}

		n, err := m.cancelPrevious(ctx, listing.ID, in.BuyerID, now, batch)
		if err != nil {
			return err
		}
		if n > 0 {
			if listing, err = m.listings.GetListing(ctx, in.ListingID); err != nil {
				return err
			}
		}

		r, err := m.newReservation(ctx, listing, in, now)
		if err != nil {
			return err
		}
		if err := m.ledger.Create(ctx, r); err != nil {
			return err
		}

		prev := ""
		if listing.Status == orders.ListingReserved {
			// The current holder no longer blocks; take over guarded by its id.
			prev = listing.ActiveReservationID
		}
		if err := m.listings.MarkReserved(ctx, listing.ID, r.ID, prev); err != nil {
			m.compensate(ctx, r, err)
			return err
		}

		batch.Reservation(orders.EventReservationCreated, r)
		batch.Listing(listing.ID, orders.ListingReserved, r.ID)
		out = InitiateResult{Reservation: r}
		return nil
	})
	if err != nil {
		return InitiateResult{}, err
	}
	batch.Flush(ctx)
	return out, nil
}

func (m *Manager) newReservation(ctx context.Context, listing orders.Listing, in InitiateInput, now time.Time) (orders.Reservation, error) {
	kind := orders.KindPurchase
	if in.Trial {
		kind = orders.KindTrial
	}

	var delivery *orders.DeliveryOption
	if in.DeliveryOptionID != "" {
		d, err := m.listings.GetDeliveryOption(ctx, in.DeliveryOptionID)
		if err != nil {
			return orders.Reservation{}, err
		}
		delivery = &d
	}

	discount, err := m.discounter.Discount(ctx, listing, in.BuyerID)
	if err != nil {
		return orders.Reservation{}, fmt.Errorf("discount: %w", err)
	}
	q, err := orders.Price(listing, delivery, kind, discount, m.fees)
	if err != nil {
		return orders.Reservation{}, err
	}

	currency := listing.Currency
	if currency == "" {
		currency = m.currency
	}

	r := orders.Reservation{
		ID:               m.newID(),
		ListingID:        listing.ID,
		BuyerID:          in.BuyerID,
		SellerID:         listing.SellerID,
		DeliveryOptionID: in.DeliveryOptionID,
		Kind:             kind,
		SubtotalCents:    q.SubtotalCents,
		DiscountCents:    q.DiscountCents,
		ServiceFeeCents:  q.ServiceFeeCents,
		TotalCents:       q.TotalCents,
		Currency:         currency,
		Status:           orders.StatusReserved,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
		UpdatedAt:        now,
	}
	if kind == orders.KindTrial {
		end := now.Add(m.trialPeriod)
		r.TrialEndsAt = &end
	}
	return r, nil
}

// compensate retires a ledger row whose listing update failed. Inside a
// transaction the rollback already discards the row. Without one, if the
// update fails too, the row is not referenced by the listing and the
// sweeper retires it once its deadline passes.
func (m *Manager) compensate(ctx context.Context, r orders.Reservation, cause error) {
	if m.tx != nil {
		m.logger.Warn("reservation create rolled back after listing update failed",
			zap.String("reservation_id", r.ID),
			zap.String("listing_id", r.ListingID),
			zap.Error(cause),
		)
		return
	}
	ok, err := m.ledger.UpdateStatus(ctx, r.ID, orders.StatusReserved, orders.StatusReservationExpired, m.clock.Now())
	if err != nil || !ok {
		m.logger.Error("reservation compensation failed",
			zap.String("reservation_id", r.ID),
			zap.String("listing_id", r.ListingID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("reservation rolled back after listing update failed",
		zap.String("reservation_id", r.ID),
		zap.String("listing_id", r.ListingID),
		zap.Error(cause),
	)
}

// holder returns the reservation that currently blocks the listing, if any.
// The listing's active reservation reference is authoritative; a ledger row
// it does not point at never blocks.
func (m *Manager) holder(ctx context.Context, listing orders.Listing, now time.Time) (*orders.Reservation, error) {
	if listing.ActiveReservationID == "" {
		return nil, nil
	}
	r, err := m.ledger.Get(ctx, listing.ActiveReservationID)
	if errors.Is(err, orders.ErrReservationNotFound) {
		m.logger.Warn("listing references a missing reservation",
			zap.String("listing_id", listing.ID),
			zap.String("reservation_id", listing.ActiveReservationID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !r.Blocks(now) {
		return nil, nil
	}
	return &r, nil
}

// CheckExistingReservation returns the buyer's reservation that still holds
// the listing, so an interrupted checkout resumes instead of duplicating.
func (m *Manager) CheckExistingReservation(ctx context.Context, listingID, buyerID string) (*orders.Reservation, error) {
	if buyerID == "" {
		return nil, orders.ErrUnauthenticated
	}
	now := m.clock.Now()
	listing, err := m.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	rows, err := m.ledger.FindActiveForBuyer(ctx, listingID, buyerID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.ID == listing.ActiveReservationID && r.Blocks(now) {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

// CancelPreviousReservations expires the buyer's reserved/confirmed rows for
// the listing that have no payment in flight. It returns how many changed.
func (m *Manager) CancelPreviousReservations(ctx context.Context, listingID, buyerID string) (int, error) {
	if buyerID == "" {
		return 0, orders.ErrUnauthenticated
	}
	now := m.clock.Now()
	batch := m.events.Batch()
	var n int
	err := m.withTx(ctx, func(ctx context.Context) error {
		batch.Reset()
		var err error
		n, err = m.cancelPrevious(ctx, listingID, buyerID, now, batch)
		return err
	})
	if err != nil {
		return 0, err
	}
	batch.Flush(ctx)
	return n, nil
}

func (m *Manager) cancelPrevious(ctx context.Context, listingID, buyerID string, now time.Time, batch *Batch) (int, error) {
	rows, err := m.ledger.FindActiveForBuyer(ctx, listingID, buyerID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if r.PaymentInFlight() {
			continue
		}
		changed, _, err := m.retire(ctx, r, orders.StatusReservationExpired, now, batch)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// retire moves r to a terminal status and frees the listing if r still owns it.
func (m *Manager) retire(ctx context.Context, r orders.Reservation, to orders.Status, now time.Time, batch *Batch) (changed, released bool, err error) {
	if !orders.CanTransition(r.Status, to) {
		return false, false, nil
	}
	changed, err = m.ledger.UpdateStatus(ctx, r.ID, r.Status, to, now)
	if err != nil || !changed {
		return false, false, err
	}
	released, err = m.listings.Release(ctx, r.ListingID, r.ID)
	if err != nil {
		return true, false, err
	}

	r.Status = to
	r.UpdatedAt = now
	eventType := orders.EventReservationExpired
	if to == orders.StatusCancelled {
		eventType = orders.EventReservationCancelled
	}
	batch.Reservation(eventType, r)
	if released {
		batch.Listing(r.ListingID, orders.ListingAvailable, r.ID)
	}
	batch.After(func() { metrics.ReservationRetired(string(to)) })
	return true, released, nil
}

// Retire is the terminal-transition path used by the sweeper and payment
// reconciliation. It reports whether this call changed the row.
func (m *Manager) Retire(ctx context.Context, r orders.Reservation, to orders.Status) (bool, error) {
	now := m.clock.Now()
	batch := m.events.Batch()
	var changed bool
	err := m.withTx(ctx, func(ctx context.Context) error {
		batch.Reset()
		var err error
		changed, _, err = m.retire(ctx, r, to, now, batch)
		return err
	})
	if err != nil {
		return false, err
	}
	batch.Flush(ctx)
	return changed, nil
}

// Cancel is the buyer's explicit cancel. It is refused once money may move.
func (m *Manager) Cancel(ctx context.Context, reservationID, buyerID string) (orders.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Cancel")
	defer span.End()

	if buyerID == "" {
		return orders.Reservation{}, orders.ErrUnauthenticated
	}
	r, err := m.ledger.Get(ctx, reservationID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if r.BuyerID != buyerID {
		return orders.Reservation{}, orders.ErrForbidden
	}
	if r.Status.Terminal() {
		return r, nil
	}
	if r.PaymentInFlight() {
		return r, orders.ErrPaymentInProgress
	}

	changed, err := m.Retire(ctx, r, orders.StatusCancelled)
	if err != nil {
		return orders.Reservation{}, err
	}
	cur, err := m.ledger.Get(ctx, reservationID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if !changed && !cur.Status.Terminal() {
		return cur, orders.ErrPaymentInProgress
	}
	if changed {
		m.logger.Info("reservation cancelled", zap.String("reservation_id", r.ID), zap.String("listing_id", r.ListingID))
	}
	return cur, nil
}

// ExpireIfDue is the countdown's onExpire target. It only acts when the
// derived expiry predicate holds, so racing timers and repeats are no-ops.
func (m *Manager) ExpireIfDue(ctx context.Context, reservationID string) (orders.Reservation, error) {
	r, err := m.ledger.Get(ctx, reservationID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if !r.IsExpired(m.clock.Now()) {
		return r, nil
	}
	if _, err := m.Retire(ctx, r, orders.StatusReservationExpired); err != nil {
		return orders.Reservation{}, err
	}
	return m.ledger.Get(ctx, reservationID)
}

// Get returns a reservation to its buyer or seller.
func (m *Manager) Get(ctx context.Context, reservationID, requester string) (orders.Reservation, error) {
	if requester == "" {
		return orders.Reservation{}, orders.ErrUnauthenticated
	}
	r, err := m.ledger.Get(ctx, reservationID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if !r.OwnedBy(requester) {
		return orders.Reservation{}, orders.ErrForbidden
	}
	return r, nil
}

// Availability derives the listing status a reader should see now.
func (m *Manager) Availability(ctx context.Context, listingID string) (orders.Availability, error) {
	listing, err := m.listings.GetListing(ctx, listingID)
	if err != nil {
		return orders.Availability{}, err
	}
	a := orders.Availability{ListingID: listing.ID, Status: listing.Status}
	if listing.Status != orders.ListingReserved {
		return a, nil
	}
	h, err := m.holder(ctx, listing, m.clock.Now())
	if err != nil {
		return orders.Availability{}, err
	}
	if h == nil {
		a.Status = orders.ListingAvailable
		return a, nil
	}
	until := h.ExpiresAt
	a.ReservedUntil = &until
	return a, nil
}

type SweepResult struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// CheckExpiredReservations is one sweep pass: reserved rows past their
// deadline become reservation_expired and free the listing they still own.
func (m *Manager) CheckExpiredReservations(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "reservation.CheckExpiredReservations")
	defer span.End()

	metrics.SweepRun()
	now := m.clock.Now()
	rows, err := m.ledger.ListExpired(ctx, now, m.batchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("list expired: %w", err)
	}

	res := SweepResult{Scanned: len(rows)}
	for _, r := range rows {
		if ctx.Err() != nil {
			break
		}
		batch := m.events.Batch()
		var changed, released bool
		err := m.withTx(ctx, func(ctx context.Context) error {
			batch.Reset()
			var err error
			changed, released, err = m.retire(ctx, r, orders.StatusReservationExpired, now, batch)
			return err
		})
		if err != nil {
			res.Failed++
			m.logger.Error("expire reservation",
				zap.String("reservation_id", r.ID),
				zap.String("listing_id", r.ListingID),
				zap.Error(err),
			)
			continue
		}
		batch.Flush(ctx)
		if changed {
			res.Expired++
		}
		if released {
			res.Released++
		}
	}
	span.SetAttributes(attribute.Int("sweep.expired", res.Expired), attribute.Int("sweep.failed", res.Failed))
	return res, nil
}

type SaleResult struct {
	Reservation orders.Reservation
	AlreadyPaid bool
}

// CompleteSale records a successful payment: the listing becomes sold and
// the reservation paid, together. A repeat call reports AlreadyPaid.
func (m *Manager) CompleteSale(ctx context.Context, reservationID string) (SaleResult, error) {
	ctx, span := tracer.Start(ctx, "reservation.CompleteSale", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	r, err := m.ledger.Get(ctx, reservationID)
	if err != nil {
		return SaleResult{}, err
	}
	if r.PaymentStatus == orders.PaymentPaid {
		return SaleResult{Reservation: r, AlreadyPaid: true}, nil
	}
	if r.Status != orders.StatusConfirmed {
		return SaleResult{Reservation: r}, fmt.Errorf("%w: reservation is %s", orders.ErrPaymentOrphaned, r.Status)
	}

	now := m.clock.Now()
	batch := m.events.Batch()
	var out SaleResult
	err = m.withTx(ctx, func(ctx context.Context) error {
		batch.Reset()
		if err := m.listings.MarkSold(ctx, r.ListingID, r.ID); err != nil {
			if !errors.Is(err, orders.ErrListingStateChanged) {
				return err
			}
			cur, gerr := m.ledger.Get(ctx, r.ID)
			if gerr == nil && cur.PaymentStatus == orders.PaymentPaid {
				out = SaleResult{Reservation: cur, AlreadyPaid: true}
				return nil
			}
			return fmt.Errorf("%w: listing %s is no longer held by the reservation", orders.ErrPaymentOrphaned, r.ListingID)
		}

		changed, err := m.ledger.MarkPaid(ctx, r.ID, now)
		if err != nil {
			return err
		}
		cur, err := m.ledger.Get(ctx, r.ID)
		if err != nil {
			return err
		}
		if !changed {
			if cur.PaymentStatus == orders.PaymentPaid {
				out = SaleResult{Reservation: cur, AlreadyPaid: true}
				return nil
			}
			return fmt.Errorf("%w: reservation is %s", orders.ErrPaymentOrphaned, cur.Status)
		}
		batch.Listing(r.ListingID, orders.ListingSold, r.ID)
		out = SaleResult{Reservation: cur}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SaleResult{Reservation: r}, err
	}
	batch.Flush(ctx)
	return out, nil
}
