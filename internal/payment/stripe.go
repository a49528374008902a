package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/orders"
)

const metadataReservationID = "reservation_id"

// Stripe is the Authority backed by Stripe PaymentIntents.
type Stripe struct {
	api           *client.API
	webhookSecret string
	logger        *zap.Logger
}

func NewStripe(secretKey, webhookSecret string, logger *zap.Logger) (*Stripe, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key", orders.ErrConfig)
	}
	if webhookSecret == "" {
		logger.Warn("stripe webhook secret not set, webhook signatures are not verified")
	}
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		logger:        logger,
	}, nil
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataReservationID, req.ReservationID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, authorityError("create intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return Intent{}, authorityError("retrieve intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return authorityError("cancel intent", err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header when a webhook secret is
// configured. Only payment_intent.* events carry an intent id.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	var ev stripe.Event
	if s.webhookSecret != "" {
		var err error
		ev, err = webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", orders.ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: webhook payload: %v", orders.ErrInvalidInput, err)
	}

	out := WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || ev.Data == nil {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: payment intent payload: %v", orders.ErrInvalidInput, err)
	}
	out.IntentID = pi.ID
	out.ReservationID = pi.Metadata[metadataReservationID]
	return out, nil
}

func fromStripe(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        mapStatus(pi),
		AmountCents:   pi.Amount,
		Currency:      string(pi.Currency),
		ReservationID: pi.Metadata[metadataReservationID],
	}
}

// mapStatus folds Stripe's intent states into IntentStatus. A declined
// attempt returns the intent to requires_payment_method with a last error.
func mapStatus(pi *stripe.PaymentIntent) IntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return IntentCanceled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return IntentProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return IntentFailed
		}
	}
	return IntentRequiresPayment
}

func authorityError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %s", orders.ErrNoPaymentIntent, op, serr.Msg)
		}
		return fmt.Errorf("%w: %s: %s (%s)", orders.ErrPaymentAuthority, op, serr.Msg, serr.Code)
	}
	return fmt.Errorf("%w: %s: %v", orders.ErrPaymentAuthority, op, err)
}
