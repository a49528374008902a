package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/redisx"
)

type recordingHints struct {
	hints []redisx.Hint
}

func (r *recordingHints) Publish(_ context.Context, h redisx.Hint) error {
	r.hints = append(r.hints, h)
	return nil
}

func message(t *testing.T, env orders.Envelope) kafkago.Message {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicFor(env.EventType), Value: b}
}

func TestService_HandleEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	cache := redisx.NewAvailabilityCache(rdb, time.Minute)
	hints := &recordingHints{}
	svc := &Service{
		Dedup:  redisx.NewDeduper(rdb, "notifier"),
		Cache:  cache,
		Hints:  hints,
		Logger: zaptest.NewLogger(t),
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cache.Set(ctx, orders.Availability{ListingID: "l1", Status: orders.ListingAvailable}, now))

	env, err := orders.NewEnvelope("evt-1", orders.EventListingStatusChanged, "checkout-api", "l1", "r1", now,
		orders.ListingStatusPayload{ListingID: "l1", Status: orders.ListingReserved, ReservationID: "r1"})
	require.NoError(t, err)

	require.NoError(t, svc.HandleEvent(ctx, message(t, env)))
	require.NoError(t, svc.HandleEvent(ctx, message(t, env)))

	_, cached, err := cache.Get(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, cached)

	require.Len(t, hints.hints, 1)
	assert.Equal(t, redisx.Hint{ListingID: "l1", Status: orders.ListingReserved, EventType: orders.EventListingStatusChanged, At: now}, hints.hints[0])
}

func TestService_DropsUndecodableMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	hints := &recordingHints{}
	svc := &Service{
		Dedup:  redisx.NewDeduper(rdb, "notifier"),
		Cache:  redisx.NewAvailabilityCache(rdb, 0),
		Hints:  hints,
		Logger: zaptest.NewLogger(t),
	}
	require.NoError(t, svc.HandleEvent(context.Background(), kafkago.Message{Value: []byte("not json")}))
	assert.Empty(t, hints.hints)
}

func TestService_FailureIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	svc := &Service{
		Dedup:  redisx.NewDeduper(rdb, "notifier"),
		Cache:  redisx.NewAvailabilityCache(rdb, 0),
		Hints:  &recordingHints{},
		Logger: zaptest.NewLogger(t),
	}
	env, err := orders.NewEnvelope("evt-2", orders.EventListingStatusChanged, "checkout-api", "l1", "r1", time.Now(),
		orders.ListingStatusPayload{ListingID: "l1", Status: orders.ListingSold})
	require.NoError(t, err)
	env.Payload = json.RawMessage(`"not an object"`)

	require.Error(t, svc.HandleEvent(ctx, message(t, env)))
	assert.False(t, mr.Exists("dedup:notifier:evt-2"))
}
