package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketplace/checkout/internal/orders"
)

// AvailabilityCache is a cache-aside copy of listing availability. Entries
// never outlive the reservation deadline they describe.
type AvailabilityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewAvailabilityCache(rdb *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = TTLAvailability
	}
	return &AvailabilityCache{rdb: rdb, ttl: ttl}
}

func availabilityKey(listingID string) string {
	return fmt.Sprintf(KeyListingAvailability, listingID)
}

func (c *AvailabilityCache) Get(ctx context.Context, listingID string) (orders.Availability, bool, error) {
	b, err := c.rdb.Get(ctx, availabilityKey(listingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Availability{}, false, nil
	}
	if err != nil {
		return orders.Availability{}, false, err
	}
	var a orders.Availability
	if err := json.Unmarshal(b, &a); err != nil {
		return orders.Availability{}, false, err
	}
	return a, true, nil
}

func (c *AvailabilityCache) Set(ctx context.Context, a orders.Availability, now time.Time) error {
	ttl := c.ttl
	if a.ReservedUntil != nil {
		left := a.ReservedUntil.Sub(now)
		if left <= 0 {
			return nil
		}
		if left < ttl {
			ttl = left
		}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, availabilityKey(a.ListingID), b, ttl).Err()
}

func (c *AvailabilityCache) Invalidate(ctx context.Context, listingID string) error {
	return c.rdb.Del(ctx, availabilityKey(listingID)).Err()
}
