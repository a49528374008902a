package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/metrics"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/reservation"
)

var tracer = otel.Tracer("github.com/marketplace/checkout/internal/payment")

const (
	defaultGrace     = 15 * time.Minute
	defaultBatchSize = 100
)

type Handshake struct {
	mgr       *reservation.Manager
	ledger    orders.Ledger
	authority Authority
	dedup     Deduper
	clock     clock.Clock
	logger    *zap.Logger
	grace     time.Duration
	batchSize int
}

type Option func(*Handshake)

func WithDeduper(d Deduper) Option {
	return func(h *Handshake) {
		if d != nil {
			h.dedup = d
		}
	}
}

// WithGrace is how long past expires-at a confirmed, unpaid reservation is
// left alone before ReconcileStale settles it.
func WithGrace(d time.Duration) Option {
	return func(h *Handshake) {
		if d > 0 {
			h.grace = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(h *Handshake) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

func NewHandshake(mgr *reservation.Manager, ledger orders.Ledger, authority Authority, clk clock.Clock, logger *zap.Logger, opts ...Option) *Handshake {
	h := &Handshake{
		mgr:       mgr,
		ledger:    ledger,
		authority: authority,
		dedup:     noDedup{},
		clock:     clk,
		logger:    logger,
		grace:     defaultGrace,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ownReservation loads a reservation the caller is the buyer of.
func (h *Handshake) ownReservation(ctx context.Context, id, buyerID string) (orders.Reservation, error) {
	if buyerID == "" {
		return orders.Reservation{}, orders.ErrUnauthenticated
	}
	r, err := h.ledger.Get(ctx, id)
	if err != nil {
		return orders.Reservation{}, err
	}
	if r.BuyerID != buyerID {
		return orders.Reservation{}, orders.ErrForbidden
	}
	return r, nil
}

// ConfirmOrder records the buyer's details and moves the reservation to
// confirmed. It fails without mutation unless the reservation still holds
// its listing.
func (h *Handshake) ConfirmOrder(ctx context.Context, id, buyerID string, details orders.OrderDetails) (orders.Reservation, error) {
	ctx, span := tracer.Start(ctx, "payment.ConfirmOrder", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	if err := details.Validate(); err != nil {
		return orders.Reservation{}, err
	}
	r, err := h.ownReservation(ctx, id, buyerID)
	if err != nil {
		return orders.Reservation{}, err
	}
	switch {
	case r.PaymentStatus == orders.PaymentPaid:
		return r, orders.ErrAlreadyPaid
	case r.PaymentStatus == orders.PaymentPending:
		return r, orders.ErrPaymentInProgress
	}

	active, err := h.mgr.CheckExistingReservation(ctx, r.ListingID, buyerID)
	if err != nil {
		return orders.Reservation{}, err
	}
	if active == nil || active.ID != r.ID {
		return r, fmt.Errorf("%w: reservation %s no longer holds the listing", orders.ErrNoActiveReservation, r.ID)
	}

	now := h.clock.Now()
	ok, err := h.ledger.Confirm(ctx, r.ID, details, now)
	if err != nil {
		span.RecordError(err)
		return orders.Reservation{}, err
	}
	if !ok {
		return r, fmt.Errorf("%w: reservation %s changed during confirmation", orders.ErrNoActiveReservation, r.ID)
	}

	cur, err := h.ledger.Get(ctx, r.ID)
	if err != nil {
		return orders.Reservation{}, err
	}
	batch := h.mgr.Events().Batch()
	batch.Reservation(orders.EventReservationConfirmed, cur)
	batch.Flush(ctx)

	h.logger.Info("reservation confirmed",
		zap.String("reservation_id", cur.ID),
		zap.String("payment_method", string(details.PaymentMethod)),
	)
	return cur, nil
}

// InitiatePayment returns a charge intent for a confirmed reservation. An
// intent that can still be paid is reused. Authority failures leave the
// reservation untouched so the buyer can retry.
func (h *Handshake) InitiatePayment(ctx context.Context, id, buyerID string) (Intent, error) {
	ctx, span := tracer.Start(ctx, "payment.InitiatePayment", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	r, err := h.ownReservation(ctx, id, buyerID)
	if err != nil {
		return Intent{}, err
	}
	now := h.clock.Now()
	switch {
	case r.PaymentStatus == orders.PaymentPaid:
		return Intent{}, orders.ErrAlreadyPaid
	case r.Status == orders.StatusReserved:
		return Intent{}, fmt.Errorf("%w: confirm the order before paying", orders.ErrInvalidTransition)
	case r.Status != orders.StatusConfirmed:
		return Intent{}, fmt.Errorf("%w: reservation is %s", orders.ErrNoActiveReservation, r.Status)
	case !r.Blocks(now):
		return Intent{}, orders.ErrReservationExpired
	}

	if r.PaymentIntentID != "" {
		existing, err := h.authority.RetrieveIntent(ctx, r.PaymentIntentID)
		if err != nil && !errors.Is(err, orders.ErrNoPaymentIntent) {
			span.SetStatus(codes.Error, err.Error())
			return Intent{}, asAuthorityError(err)
		}
		if err == nil {
			switch {
			case existing.Status == IntentSucceeded:
				if _, err := h.HandlePaymentResult(ctx, r.ID, true); err != nil {
					return Intent{}, err
				}
				return existing, nil
			case existing.Status.Open():
				if r.PaymentStatus != orders.PaymentPending {
					if _, err := h.ledger.SetPaymentIntent(ctx, r.ID, existing.ID, existing.ClientSecret, now); err != nil {
						return Intent{}, err
					}
				}
				return existing, nil
			case existing.Status == IntentFailed:
				// Retire the declined intent before its replacement exists.
				if err := h.authority.CancelIntent(ctx, existing.ID); err != nil && !errors.Is(err, orders.ErrNoPaymentIntent) {
					span.SetStatus(codes.Error, err.Error())
					h.logger.Warn("cancel declined intent", zap.String("reservation_id", r.ID), zap.String("intent_id", existing.ID), zap.Error(err))
					return Intent{}, asAuthorityError(err)
				}
			}
		}
	}

	intent, err := h.authority.CreateIntent(ctx, IntentRequest{
		ReservationID:  r.ID,
		AmountCents:    r.TotalCents,
		Currency:       r.Currency,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("create payment intent", zap.String("reservation_id", r.ID), zap.Error(err))
		return Intent{}, asAuthorityError(err)
	}

	ok, err := h.ledger.SetPaymentIntent(ctx, r.ID, intent.ID, intent.ClientSecret, now)
	if err != nil || !ok {
		h.cancelQuietly(ctx, intent.ID)
		if err != nil {
			return Intent{}, err
		}
		return Intent{}, fmt.Errorf("%w: reservation %s changed before the intent was stored", orders.ErrNoActiveReservation, r.ID)
	}

	h.logger.Info("payment intent created",
		zap.String("reservation_id", r.ID),
		zap.String("intent_id", intent.ID),
		zap.Int64("amount_cents", r.TotalCents),
	)
	return intent, nil
}

// Each new intent for a reservation gets its own key; a retried create for
// the same attempt reuses it.
func idempotencyKey(r orders.Reservation) string {
	prev := r.PaymentIntentID
	if prev == "" {
		prev = "first"
	}
	return "checkout:" + r.ID + ":" + prev
}

func asAuthorityError(err error) error {
	if orders.KindOf(err) == orders.KindPaymentAuthority || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", orders.ErrPaymentAuthority, err)
}

func (h *Handshake) cancelQuietly(ctx context.Context, intentID string) {
	if err := h.authority.CancelIntent(ctx, intentID); err != nil {
		h.logger.Warn("cancel payment intent", zap.String("intent_id", intentID), zap.Error(err))
	}
}

// HandlePaymentResult applies a payment outcome. Success sells the listing
// and is idempotent. Failure leaves the reservation confirmed so payment can
// be retried before the deadline.
func (h *Handshake) HandlePaymentResult(ctx context.Context, id string, success bool) (orders.Reservation, error) {
	ctx, span := tracer.Start(ctx, "payment.HandlePaymentResult", trace.WithAttributes(
		attribute.String("reservation.id", id),
		attribute.Bool("success", success),
	))
	defer span.End()

	if success {
		return h.paid(ctx, id)
	}

	r, err := h.ledger.Get(ctx, id)
	if err != nil {
		return orders.Reservation{}, err
	}
	if r.PaymentStatus == orders.PaymentPaid {
		return r, nil
	}
	ok, err := h.ledger.MarkPaymentFailed(ctx, id, h.clock.Now())
	if err != nil {
		return orders.Reservation{}, err
	}
	cur, err := h.ledger.Get(ctx, id)
	if err != nil {
		return orders.Reservation{}, err
	}
	if ok {
		metrics.PaymentResult("failed")
		batch := h.mgr.Events().Batch()
		batch.Payment(orders.EventPaymentFailed, cur, "declined")
		batch.Flush(ctx)
		h.logger.Info("payment failed", zap.String("reservation_id", id), zap.String("intent_id", cur.PaymentIntentID))
	}
	return cur, nil
}

func (h *Handshake) paid(ctx context.Context, id string) (orders.Reservation, error) {
	sale, err := h.mgr.CompleteSale(ctx, id)
	if errors.Is(err, orders.ErrPaymentOrphaned) {
		metrics.PaymentResult("orphaned")
		h.logger.Error("payment succeeded for an inactive reservation",
			zap.String("reservation_id", id),
			zap.String("listing_id", sale.Reservation.ListingID),
			zap.String("intent_id", sale.Reservation.PaymentIntentID),
			zap.Int64("amount_cents", sale.Reservation.TotalCents),
			zap.Error(err),
		)
		batch := h.mgr.Events().Batch()
		batch.Payment(orders.EventPaymentOrphaned, sale.Reservation, err.Error())
		batch.Flush(ctx)
		return sale.Reservation, err
	}
	if err != nil {
		return orders.Reservation{}, err
	}
	if sale.AlreadyPaid {
		metrics.PaymentResult("duplicate")
		return sale.Reservation, nil
	}

	metrics.PaymentResult("paid")
	batch := h.mgr.Events().Batch()
	batch.Payment(orders.EventPaymentSucceeded, sale.Reservation, "")
	batch.Flush(ctx)
	h.logger.Info("payment succeeded",
		zap.String("reservation_id", id),
		zap.String("listing_id", sale.Reservation.ListingID),
	)
	return sale.Reservation, nil
}

// reconcile applies the authority's answer for an intent.
func (h *Handshake) reconcile(ctx context.Context, r orders.Reservation, intent Intent) (orders.Reservation, error) {
	if intent.ReservationID != "" && intent.ReservationID != r.ID {
		return r, fmt.Errorf("%w: intent %s belongs to reservation %s", orders.ErrInvalidInput, intent.ID, intent.ReservationID)
	}
	switch intent.Status {
	case IntentSucceeded:
		return h.HandlePaymentResult(ctx, r.ID, true)
	case IntentFailed, IntentCanceled:
		if intent.ID != r.PaymentIntentID {
			// A superseded intent says nothing about the current attempt.
			return r, nil
		}
		return h.HandlePaymentResult(ctx, r.ID, false)
	}
	return r, nil
}

// ReconcileReturn is the redirect return path. The intent status is always
// re-queried; nothing the client sends is trusted.
func (h *Handshake) ReconcileReturn(ctx context.Context, id, buyerID string) (orders.Reservation, IntentStatus, error) {
	r, err := h.ownReservation(ctx, id, buyerID)
	if err != nil {
		return orders.Reservation{}, "", err
	}
	if r.PaymentStatus == orders.PaymentPaid {
		return r, IntentSucceeded, nil
	}
	if r.PaymentIntentID == "" {
		return r, "", orders.ErrNoPaymentIntent
	}
	intent, err := h.authority.RetrieveIntent(ctx, r.PaymentIntentID)
	if err != nil {
		return r, "", asAuthorityError(err)
	}
	cur, err := h.reconcile(ctx, r, intent)
	return cur, intent.Status, err
}

// HandleWebhook verifies and reconciles one authority notification.
// Deliveries are deduplicated by event id; a delivery whose processing
// fails is forgotten so the authority's redelivery is handled.
func (h *Handshake) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := tracer.Start(ctx, "payment.HandleWebhook")
	defer span.End()

	ev, err := h.authority.ParseWebhook(payload, signature)
	if err != nil {
		h.logger.Warn("rejected payment webhook", zap.Error(err))
		return err
	}
	if ev.IntentID == "" {
		return nil
	}
	log := h.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("intent_id", ev.IntentID),
	)
	if ev.ReservationID == "" {
		log.Warn("payment webhook without reservation id")
		return nil
	}

	if ev.ID != "" {
		first, err := h.dedup.FirstSeen(ctx, ev.ID)
		if err != nil {
			log.Warn("webhook dedup unavailable", zap.Error(err))
		} else if !first {
			log.Debug("duplicate payment webhook")
			return nil
		}
	}

	if err := h.handleWebhook(ctx, ev); err != nil {
		if orders.KindOf(err) == orders.KindConflict {
			// Recorded; redelivery would not change the outcome.
			return nil
		}
		if ev.ID != "" {
			if ferr := h.dedup.Forget(ctx, ev.ID); ferr != nil {
				log.Warn("forget webhook", zap.Error(ferr))
			}
		}
		span.RecordError(err)
		log.Error("handle payment webhook", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handshake) handleWebhook(ctx context.Context, ev WebhookEvent) error {
	r, err := h.ledger.Get(ctx, ev.ReservationID)
	if err != nil {
		return err
	}
	intent, err := h.authority.RetrieveIntent(ctx, ev.IntentID)
	if err != nil {
		return asAuthorityError(err)
	}
	_, err = h.reconcile(ctx, r, intent)
	return err
}

type StaleResult struct {
	Scanned int `json:"scanned"`
	Paid    int `json:"paid"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ReconcileStale settles confirmed reservations still unpaid past their
// deadline plus the grace period. A succeeded intent is recorded as paid;
// otherwise the intent is cancelled and the reservation expired.
func (h *Handshake) ReconcileStale(ctx context.Context) (StaleResult, error) {
	ctx, span := tracer.Start(ctx, "payment.ReconcileStale")
	defer span.End()

	cutoff := h.clock.Now().Add(-h.grace)
	rows, err := h.ledger.ListStaleConfirmed(ctx, cutoff, h.batchSize)
	if err != nil {
		return StaleResult{}, fmt.Errorf("list stale confirmed: %w", err)
	}

	res := StaleResult{Scanned: len(rows)}
	for _, r := range rows {
		if ctx.Err() != nil {
			break
		}
		log := h.logger.With(zap.String("reservation_id", r.ID), zap.String("intent_id", r.PaymentIntentID))

		if r.PaymentIntentID != "" {
			intent, err := h.authority.RetrieveIntent(ctx, r.PaymentIntentID)
			switch {
			case errors.Is(err, orders.ErrNoPaymentIntent):
			case err != nil:
				res.Failed++
				log.Warn("retrieve stale intent", zap.Error(err))
				continue
			case intent.Status == IntentSucceeded:
				if _, err := h.HandlePaymentResult(ctx, r.ID, true); err != nil && !errors.Is(err, orders.ErrPaymentOrphaned) {
					res.Failed++
					log.Error("record stale payment", zap.Error(err))
					continue
				}
				res.Paid++
				continue
			case intent.Status == IntentProcessing:
				res.Skipped++
				continue
			case intent.Status != IntentCanceled:
				// A failed intent can still be confirmed with the buyer's client secret.
				if err := h.authority.CancelIntent(ctx, intent.ID); err != nil {
					res.Failed++
					log.Warn("cancel stale intent", zap.Error(err))
					continue
				}
			}
		}

		changed, err := h.mgr.Retire(ctx, r, orders.StatusReservationExpired)
		if err != nil {
			res.Failed++
			log.Error("expire stale reservation", zap.Error(err))
			continue
		}
		if changed {
			res.Expired++
			log.Info("stale confirmed reservation expired")
		}
	}
	span.SetAttributes(attribute.Int("stale.expired", res.Expired), attribute.Int("stale.paid", res.Paid))
	return res, nil
}
