package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/checkout/internal/orders"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduper(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	d := NewDeduper(rdb, "payments")

	first, err := d.FirstSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.FirstSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, TTLDedup, mr.TTL("dedup:payments:evt_1"))

	require.NoError(t, d.Forget(ctx, "evt_1"))
	after, err := d.FirstSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, after)

	mr.FastForward(TTLDedup + time.Second)
	expired, err := d.FirstSeen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestDeduper_RedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()

	_, err := NewDeduper(rdb, "payments").FirstSeen(context.Background(), "evt_1")
	assert.Error(t, err)
}

func TestAvailabilityCache(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewAvailabilityCache(rdb, time.Minute)

	_, ok, err := c.Get(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, orders.Availability{ListingID: "l1", Status: orders.ListingAvailable}, now))
	got, ok, err := c.Get(ctx, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.ListingAvailable, got.Status)
	assert.Equal(t, time.Minute, mr.TTL("listing_availability:l1"))

	until := now.Add(20 * time.Second)
	require.NoError(t, c.Set(ctx, orders.Availability{ListingID: "l1", Status: orders.ListingReserved, ReservedUntil: &until}, now))
	assert.Equal(t, 20*time.Second, mr.TTL("listing_availability:l1"))

	require.NoError(t, c.Invalidate(ctx, "l1"))
	_, ok, err = c.Get(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, ok)

	past := now.Add(-time.Second)
	require.NoError(t, c.Set(ctx, orders.Availability{ListingID: "l1", Status: orders.ListingReserved, ReservedUntil: &past}, now))
	assert.False(t, mr.Exists("listing_availability:l1"))
}

func TestHintPublisher(t *testing.T) {
	_, rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewHintPublisher(rdb)
	hints := p.Subscribe(ctx)

	want := Hint{ListingID: "l1", Status: orders.ListingReserved, EventType: orders.EventListingStatusChanged, At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	// The subscription is set up asynchronously; publish until it is received.
	var got Hint
	require.Eventually(t, func() bool {
		if err := p.Publish(ctx, want); err != nil {
			return false
		}
		select {
		case got = <-hints:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, got)
}
