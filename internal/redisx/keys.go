package redisx

import "time"

const (
	// Dedup event processing: dedup:{service}:{id} (id = webhook event id or envelope event_id)
	KeyDedup = "dedup:%s:%s"

	// Availability read model: listing_availability:{listing_id} -> orders.Availability JSON
	KeyListingAvailability = "listing_availability:%s"

	// Pub/sub channel carrying listing change hints to realtime subscribers.
	ChannelListingHints = "listing_hints"
)

var (
	TTLDedup        = 48 * time.Hour
	TTLAvailability = 30 * time.Second
)
