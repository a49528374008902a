package orders

import (
	"encoding/json"
	"time"
)

const (
	EventReservationCreated   = "ReservationCreated"
	EventReservationConfirmed = "ReservationConfirmed"
	EventReservationExpired   = "ReservationExpired"
	EventReservationCancelled = "ReservationCancelled"
	EventPaymentSucceeded     = "PaymentSucceeded"
	EventPaymentFailed        = "PaymentFailed"
	EventPaymentOrphaned      = "PaymentOrphaned"
	EventListingStatusChanged = "ListingStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // reservation id
	ListingID     string          `json:"listing_id"`
	Payload       json.RawMessage `json:"payload"`
}

type ReservationPayload struct {
	ReservationID string        `json:"reservation_id"`
	ListingID     string        `json:"listing_id"`
	BuyerID       string        `json:"buyer_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	TotalCents    int64         `json:"total_cents"`
	Currency      string        `json:"currency"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

type PaymentPayload struct {
	ReservationID string `json:"reservation_id"`
	ListingID     string `json:"listing_id"`
	IntentID      string `json:"intent_id,omitempty"`
	AmountCents   int64  `json:"amount_cents"`
	Reason        string `json:"reason,omitempty"`
}

type ListingStatusPayload struct {
	ListingID     string        `json:"listing_id"`
	Status        ListingStatus `json:"status"`
	ReservationID string        `json:"reservation_id,omitempty"`
}

// NewEnvelope builds a version 1 envelope; payload must marshal cleanly.
func NewEnvelope(id, eventType, producer, listingID, reservationID string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: reservationID,
		ListingID:     listingID,
		Payload:       b,
	}, nil
}

func ReservationEventPayload(r Reservation) ReservationPayload {
	return ReservationPayload{
		ReservationID: r.ID,
		ListingID:     r.ListingID,
		BuyerID:       r.BuyerID,
		Status:        r.Status,
		PaymentStatus: r.PaymentStatus,
		TotalCents:    r.TotalCents,
		Currency:      r.Currency,
		ExpiresAt:     r.ExpiresAt,
	}
}
