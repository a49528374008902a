package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/tracing"
)

// Emitter stamps lifecycle envelopes. Events are collected in a Batch and
// only published once the surrounding transaction has committed.
type Emitter struct {
	pub      orders.Publisher
	producer string
	logger   *zap.Logger
	now      func() time.Time
}

func NewEmitter(pub orders.Publisher, producer string, logger *zap.Logger, now func() time.Time) *Emitter {
	return &Emitter{pub: pub, producer: producer, logger: logger, now: now}
}

func (e *Emitter) Batch() *Batch {
	return &Batch{e: e}
}

type Batch struct {
	e     *Emitter
	envs  []orders.Envelope
	after []func()
}

// Reset drops everything collected by a rolled back attempt.
func (b *Batch) Reset() {
	b.envs = b.envs[:0]
	b.after = b.after[:0]
}

func (b *Batch) Reservation(eventType string, r orders.Reservation) {
	b.add(eventType, r.ListingID, r.ID, orders.ReservationEventPayload(r))
}

func (b *Batch) Payment(eventType string, r orders.Reservation, reason string) {
	b.add(eventType, r.ListingID, r.ID, orders.PaymentPayload{
		ReservationID: r.ID,
		ListingID:     r.ListingID,
		IntentID:      r.PaymentIntentID,
		AmountCents:   r.TotalCents,
		Reason:        reason,
	})
}

func (b *Batch) Listing(listingID string, status orders.ListingStatus, reservationID string) {
	b.add(orders.EventListingStatusChanged, listingID, reservationID, orders.ListingStatusPayload{
		ListingID:     listingID,
		Status:        status,
		ReservationID: reservationID,
	})
}

// After registers fn to run on Flush, e.g. a metric that must not count rolled back work.
func (b *Batch) After(fn func()) {
	b.after = append(b.after, fn)
}

func (b *Batch) add(eventType, listingID, reservationID string, payload any) {
	if b.e == nil || b.e.pub == nil {
		return
	}
	env, err := orders.NewEnvelope(uuid.NewString(), eventType, b.e.producer, listingID, reservationID, b.e.now(), payload)
	if err != nil {
		b.e.logger.Error("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	b.envs = append(b.envs, env)
}

// Flush publishes collected events. Publish failures are logged only; the
// sweeper and re-validating readers do not depend on delivery.
func (b *Batch) Flush(ctx context.Context) {
	for _, fn := range b.after {
		fn()
	}
	b.after = nil
	if b.e == nil || b.e.pub == nil {
		return
	}
	traceID := tracing.TraceID(ctx)
	for _, env := range b.envs {
		env.TraceID = traceID
		if err := b.e.pub.Publish(ctx, env); err != nil {
			b.e.logger.Warn("publish event",
				zap.String("event_type", env.EventType),
				zap.String("reservation_id", env.CorrelationID),
				zap.Error(err),
			)
		}
	}
	b.envs = nil
}
