// Package notifier turns lifecycle events into availability cache
// invalidations and realtime hints. Checkout stays correct without it.
package notifier

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/marketplace/checkout/internal/kafka"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/redisx"
)

// Topics the notifier consumes.
var Topics = []string{orders.TopicReservations, orders.TopicPayments, orders.TopicListings}

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Cache interface {
	Invalidate(ctx context.Context, listingID string) error
}

type Hinter interface {
	Publish(ctx context.Context, h redisx.Hint) error
}

type Service struct {
	Dedup  Deduper
	Cache  Cache
	Hints  Hinter
	Logger *zap.Logger
}

// HandleEvent is installed as the consumer handler. A non-nil error leaves
// the offset uncommitted.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// Poison message: redelivery would fail the same way.
		s.Logger.Warn("drop undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.ListingID == "" {
		return nil
	}

	first, err := s.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			s.Logger.Warn("forget event", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	if err := s.Cache.Invalidate(ctx, env.ListingID); err != nil {
		return err
	}

	h := redisx.Hint{ListingID: env.ListingID, EventType: env.EventType, At: env.OccurredAt}
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	if env.EventType == orders.EventListingStatusChanged {
		p, err := kafkax.UnwrapPayload[orders.ListingStatusPayload](env.Payload)
		if err != nil {
			return err
		}
		h.Status = p.Status
	}
	if err := s.Hints.Publish(ctx, h); err != nil {
		return err
	}
	s.Logger.Debug("listing hint published",
		zap.String("listing_id", env.ListingID),
		zap.String("event_type", env.EventType),
		zap.String("trace_id", env.TraceID),
	)
	return nil
}
