package orders

const (
	TopicReservations = "checkout.reservations"
	TopicPayments     = "checkout.payments"
	TopicListings     = "checkout.listings"
)

// TopicFor routes an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentOrphaned:
		return TopicPayments
	case EventListingStatusChanged:
		return TopicListings
	default:
		return TopicReservations
	}
}

// Partition key = listing_id, so every event touching one listing keeps its order.
func PartitionKey(listingID string) []byte { return []byte(listingID) }
