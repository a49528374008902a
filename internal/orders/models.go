package orders

import "time"

type Listing struct {
	ID             string
	SellerID       string
	PriceCents     int64
	TestPriceCents *int64 // nil when the listing offers no trial
	Currency       string
	Status         ListingStatus
	// ActiveReservationID is the guard for every compare-and-set on the listing.
	ActiveReservationID string
	UpdatedAt           time.Time
}

type DeliveryOption struct {
	ID         string
	Label      string
	PriceCents int64
}

// OrderDetails is what the buyer confirms before a charge intent is created.
type OrderDetails struct {
	DeliveryAddress string        `json:"delivery_address"`
	ContactName     string        `json:"contact_name"`
	ContactPhone    string        `json:"contact_phone,omitempty"`
	ContactEmail    string        `json:"contact_email,omitempty"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Notes           string        `json:"notes,omitempty"`
}

func (d OrderDetails) Validate() error {
	if d.ContactName == "" {
		return ErrContactRequired
	}
	if !d.PaymentMethod.Valid() {
		return ErrInvalidPaymentMethod
	}
	return nil
}

type Reservation struct {
	ID               string
	ListingID        string
	BuyerID          string
	SellerID         string
	DeliveryOptionID string
	Kind             OrderKind

	SubtotalCents   int64
	DiscountCents   int64
	ServiceFeeCents int64
	TotalCents      int64
	Currency        string

	Status              Status
	PaymentStatus       PaymentStatus
	PaymentIntentID     string
	PaymentClientSecret string
	Details             *OrderDetails
	TrialEndsAt         *time.Time

	CreatedAt time.Time
	ExpiresAt time.Time // immutable once set
	UpdatedAt time.Time
}

// IsExpired is the derived expiry predicate: a reserved row past its deadline
// is expired whether or not a sweep has recorded it yet.
func (r Reservation) IsExpired(now time.Time) bool {
	return r.Status == StatusReserved && !now.Before(r.ExpiresAt)
}

// Blocks reports whether r still holds its listing at now. A paid
// reservation blocks regardless of the deadline.
func (r Reservation) Blocks(now time.Time) bool {
	if !r.Status.Active() {
		return false
	}
	return r.PaymentStatus == PaymentPaid || now.Before(r.ExpiresAt)
}

// PaymentInFlight is true while the authority may still move money for r.
func (r Reservation) PaymentInFlight() bool {
	return r.PaymentStatus == PaymentPending || r.PaymentStatus == PaymentPaid
}

func (r Reservation) OwnedBy(userID string) bool {
	return userID != "" && (r.BuyerID == userID || r.SellerID == userID)
}

// Availability is the read model served to listing pages.
type Availability struct {
	ListingID     string        `json:"listing_id"`
	Status        ListingStatus `json:"status"`
	ReservedUntil *time.Time    `json:"reserved_until,omitempty"`
}
