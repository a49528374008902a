package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marketplace/checkout/internal/orders"
)

// Fake is an in-process Authority for PAYMENT_PROVIDER=fake and tests.
// Intents stay open until Succeed or Fail is called.
type Fake struct {
	mu            sync.Mutex
	seq           int
	intents       map[string]Intent
	byKey         map[string]string
	err           error
	webhookSecret string

	Created   int
	Cancelled []string
}

func NewFake(webhookSecret string) *Fake {
	return &Fake{
		intents:       make(map[string]Intent),
		byKey:         make(map[string]string),
		webhookSecret: webhookSecret,
	}
}

// SetError makes every call fail with err until it is cleared with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Succeed(intentID string) { f.setStatus(intentID, IntentSucceeded) }
func (f *Fake) Fail(intentID string)    { f.setStatus(intentID, IntentFailed) }

func (f *Fake) setStatus(id string, s IntentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		in.Status = s
		f.intents[id] = in
	}
}

func (f *Fake) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Intent{}, f.err
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return f.intents[id], nil
	}
	f.seq++
	f.Created++
	id := fmt.Sprintf("pi_fake_%d", f.seq)
	in := Intent{
		ID:            id,
		ClientSecret:  id + "_secret",
		Status:        IntentRequiresPayment,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		ReservationID: req.ReservationID,
	}
	f.intents[id] = in
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = id
	}
	return in, nil
}

func (f *Fake) RetrieveIntent(_ context.Context, intentID string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Intent{}, f.err
	}
	in, ok := f.intents[intentID]
	if !ok {
		return Intent{}, orders.ErrNoPaymentIntent
	}
	return in, nil
}

func (f *Fake) CancelIntent(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	in, ok := f.intents[intentID]
	if !ok {
		return orders.ErrNoPaymentIntent
	}
	if in.Status == IntentSucceeded {
		return fmt.Errorf("%w: intent %s already succeeded", orders.ErrPaymentAuthority, intentID)
	}
	in.Status = IntentCanceled
	f.intents[intentID] = in
	f.Cancelled = append(f.Cancelled, intentID)
	return nil
}

// ParseWebhook accepts a JSON-encoded WebhookEvent. When a secret is set the
// signature must equal it.
func (f *Fake) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if f.webhookSecret != "" && signature != f.webhookSecret {
		return WebhookEvent{}, orders.ErrInvalidSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: webhook payload: %v", orders.ErrInvalidInput, err)
	}
	return ev, nil
}
