// Package payment moves a reservation from confirmation through the external
// charge intent to a reconciled paid or failed result.
package payment

import (
	"context"
)

// IntentStatus is the authority's view of a charge intent.
type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentFailed          IntentStatus = "failed"
	IntentCanceled        IntentStatus = "canceled"
)

// Open reports whether the intent may still be paid.
func (s IntentStatus) Open() bool {
	return s == IntentRequiresPayment || s == IntentProcessing
}

type Intent struct {
	ID            string       `json:"intent_id"`
	ClientSecret  string       `json:"client_secret,omitempty"`
	Status        IntentStatus `json:"status"`
	AmountCents   int64        `json:"amount_cents"`
	Currency      string       `json:"currency"`
	ReservationID string       `json:"reservation_id,omitempty"`
}

type IntentRequest struct {
	ReservationID  string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// WebhookEvent is the part of an authority notification the handshake needs.
// The status it implies is never trusted; the intent is re-queried.
type WebhookEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	IntentID      string `json:"intent_id"`
	ReservationID string `json:"reservation_id"`
}

// Authority is the external payment provider.
type Authority interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// Deduper remembers webhook deliveries already handled.
type Deduper interface {
	// FirstSeen marks id as seen and reports whether it was new.
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type noDedup struct{}

func (noDedup) FirstSeen(context.Context, string) (bool, error) { return true, nil }
func (noDedup) Forget(context.Context, string) error            { return nil }
