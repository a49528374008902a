package orders

import (
	"context"
	"time"
)

// ListingStore is the listing availability store. Every write is a
// compare-and-set keyed on the reservation that owns the listing.
type ListingStore interface {
	// GetListing locks the row when called inside a transaction.
	GetListing(ctx context.Context, listingID string) (Listing, error)
	GetDeliveryOption(ctx context.Context, optionID string) (DeliveryOption, error)
	// MarkReserved hands the listing to reservationID. It succeeds when the
	// listing is available, or reserved by prevReservationID. Otherwise it
	// returns ErrListingStateChanged.
	MarkReserved(ctx context.Context, listingID, reservationID, prevReservationID string) error
	// MarkSold succeeds when reservationID owns the listing, including when it
	// is already sold to that reservation.
	MarkSold(ctx context.Context, listingID, reservationID string) error
	// Release frees the listing only if reservationID still owns it.
	Release(ctx context.Context, listingID, reservationID string) (bool, error)
}

// Ledger is the append-only reservation record. Transitions are conditional
// and report whether a row changed.
type Ledger interface {
	Create(ctx context.Context, r Reservation) error
	Get(ctx context.Context, id string) (Reservation, error)
	// FindActiveForBuyer returns the buyer's reserved/confirmed rows for a listing.
	FindActiveForBuyer(ctx context.Context, listingID, buyerID string) ([]Reservation, error)
	// UpdateStatus moves id from -> to unless the payment is already paid.
	UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)
	// Confirm records details on a reserved or confirmed row that has not
	// expired and has no payment in flight.
	Confirm(ctx context.Context, id string, details OrderDetails, now time.Time) (bool, error)
	SetPaymentIntent(ctx context.Context, id, intentID, clientSecret string, now time.Time) (bool, error)
	MarkPaid(ctx context.Context, id string, now time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, id string, now time.Time) (bool, error)
	// ListExpired returns reserved rows with expires_at <= now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// ListStaleConfirmed returns confirmed, unpaid rows with expires_at <= cutoff.
	ListStaleConfirmed(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error)
}

// Transactor runs fn atomically; nested calls join the outer transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher fans lifecycle events out. Failures never fail the operation.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}
