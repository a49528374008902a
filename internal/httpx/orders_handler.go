package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/auth"
	"github.com/marketplace/checkout/internal/orders"
	"github.com/marketplace/checkout/internal/payment"
	"github.com/marketplace/checkout/internal/redisx"
	"github.com/marketplace/checkout/internal/reservation"
	"github.com/marketplace/checkout/internal/sweeper"
)

const (
	maxWebhookBytes = 64 << 10
	requestTimeout  = 15 * time.Second
)

type Reservations interface {
	InitiateOrder(ctx context.Context, in reservation.InitiateInput) (reservation.InitiateResult, error)
	CheckExistingReservation(ctx context.Context, listingID, buyerID string) (*orders.Reservation, error)
	Get(ctx context.Context, reservationID, requester string) (orders.Reservation, error)
	Cancel(ctx context.Context, reservationID, buyerID string) (orders.Reservation, error)
	ExpireIfDue(ctx context.Context, reservationID string) (orders.Reservation, error)
	Availability(ctx context.Context, listingID string) (orders.Availability, error)
}

type Payments interface {
	ConfirmOrder(ctx context.Context, id, buyerID string, details orders.OrderDetails) (orders.Reservation, error)
	InitiatePayment(ctx context.Context, id, buyerID string) (payment.Intent, error)
	ReconcileReturn(ctx context.Context, id, buyerID string) (orders.Reservation, payment.IntentStatus, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type AvailabilityCache interface {
	Get(ctx context.Context, listingID string) (orders.Availability, bool, error)
	Set(ctx context.Context, a orders.Availability, now time.Time) error
	Invalidate(ctx context.Context, listingID string) error
}

type HintSource interface {
	Subscribe(ctx context.Context) <-chan redisx.Hint
}

type Sweeper interface {
	RunOnce(ctx context.Context) sweeper.Result
}

// OrdersHandler serves the checkout API. Cache, Hints and Sweeper are optional.
type OrdersHandler struct {
	Reservations Reservations
	Payments     Payments
	Verifier     TokenVerifier
	Cache        AvailabilityCache
	Hints        HintSource
	Sweeper      Sweeper
	Now          func() time.Time
	Logger       *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	// Streams outlive the request timeout.
	r.Get("/listings/{id}/watch", h.watchListing)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/listings/{id}/availability", h.getAvailability)
		r.Post("/webhooks/payments", h.paymentWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout), RequireUser(h.Verifier, h.Logger))
		r.Get("/listings/{id}/reservation", h.getListingReservation)
		r.Post("/listings/{id}/reservations", h.createReservation)
		r.Get("/reservations/{id}", h.getReservation)
		r.Post("/reservations/{id}/cancel", h.cancelReservation)
		r.Post("/reservations/{id}/expire", h.expireReservation)
		r.Post("/reservations/{id}/confirm", h.confirmOrder)
		r.Post("/reservations/{id}/payment-intents", h.createPaymentIntent)
		r.Post("/reservations/{id}/payment-return", h.paymentReturn)
		r.Post("/sweeps", h.runSweep)
	})
}

type reservationResponse struct {
	ID               string               `json:"id"`
	ListingID        string               `json:"listing_id"`
	BuyerID          string               `json:"buyer_id"`
	SellerID         string               `json:"seller_id"`
	DeliveryOptionID string               `json:"delivery_option_id,omitempty"`
	Kind             orders.OrderKind     `json:"kind"`
	SubtotalCents    int64                `json:"subtotal_cents"`
	DiscountCents    int64                `json:"discount_cents"`
	ServiceFeeCents  int64                `json:"service_fee_cents"`
	TotalCents       int64                `json:"total_cents"`
	Currency         string               `json:"currency"`
	Status           orders.Status        `json:"status"`
	PaymentStatus    orders.PaymentStatus `json:"payment_status,omitempty"`
	PaymentIntentID  string               `json:"payment_intent_id,omitempty"`
	Details          *orders.OrderDetails `json:"details,omitempty"`
	TrialEndsAt      *time.Time           `json:"trial_ends_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at"`
	Expired          bool                 `json:"expired"`
	RemainingSeconds int64                `json:"remaining_seconds"`
	Resumed          bool                 `json:"resumed,omitempty"`
}

func (h *OrdersHandler) toResponse(r orders.Reservation) reservationResponse {
	now := h.Now()
	resp := reservationResponse{
		ID:               r.ID,
		ListingID:        r.ListingID,
		BuyerID:          r.BuyerID,
		SellerID:         r.SellerID,
		DeliveryOptionID: r.DeliveryOptionID,
		Kind:             r.Kind,
		SubtotalCents:    r.SubtotalCents,
		DiscountCents:    r.DiscountCents,
		ServiceFeeCents:  r.ServiceFeeCents,
		TotalCents:       r.TotalCents,
		Currency:         r.Currency,
		Status:           r.Status,
		PaymentStatus:    r.PaymentStatus,
		PaymentIntentID:  r.PaymentIntentID,
		Details:          r.Details,
		TrialEndsAt:      r.TrialEndsAt,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		Expired:          r.IsExpired(now),
	}
	if r.Status == orders.StatusReserved && !resp.Expired {
		resp.RemainingSeconds = int64(r.ExpiresAt.Sub(now).Seconds())
	}
	return resp
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid json", orders.ErrInvalidInput)
	}
	return nil
}

func (h *OrdersHandler) getAvailability(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		if a, ok, err := h.Cache.Get(ctx, listingID); err == nil && ok {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}

	// 2) ledger
	a, err := h.Reservations.Availability(ctx, listingID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, a, h.Now()); err != nil {
			h.Logger.Warn("cache availability", zap.String("listing_id", listingID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *OrdersHandler) invalidate(ctx context.Context, listingID string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx, listingID); err != nil {
		h.Logger.Warn("invalidate availability", zap.String("listing_id", listingID), zap.Error(err))
	}
}

func (h *OrdersHandler) getListingReservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.Reservations.CheckExistingReservation(ctx, chi.URLParam(r, "id"), auth.UserID(ctx))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if res == nil {
		writeError(w, h.Logger, r, orders.ErrNoActiveReservation)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(*res))
}

type createReservationReq struct {
	DeliveryOptionID string `json:"delivery_option_id"`
	Trial            bool   `json:"trial"`
}

func (h *OrdersHandler) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	listingID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Reservations.InitiateOrder(ctx, reservation.InitiateInput{
		ListingID:        listingID,
		BuyerID:          auth.UserID(ctx),
		DeliveryOptionID: req.DeliveryOptionID,
		Trial:            req.Trial,
	})
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	resp := h.toResponse(res.Reservation)
	resp.Resumed = res.Resumed
	if res.Resumed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	h.invalidate(ctx, listingID)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res, err := h.Reservations.Get(ctx, chi.URLParam(r, "id"), auth.UserID(ctx))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(res))
}

func (h *OrdersHandler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Reservations.Cancel(ctx, chi.URLParam(r, "id"), auth.UserID(ctx))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	h.invalidate(ctx, res.ListingID)
	writeJSON(w, http.StatusOK, h.toResponse(res))
}

// expireReservation lets a client whose countdown reached zero settle the
// reservation without waiting for the sweeper.
func (h *OrdersHandler) expireReservation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if _, err := h.Reservations.Get(ctx, id, auth.UserID(ctx)); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	res, err := h.Reservations.ExpireIfDue(ctx, id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if res.Status == orders.StatusReservationExpired {
		h.invalidate(ctx, res.ListingID)
	}
	writeJSON(w, http.StatusOK, h.toResponse(res))
}

func (h *OrdersHandler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	var details orders.OrderDetails
	if err := decode(r, &details); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Payments.ConfirmOrder(ctx, chi.URLParam(r, "id"), auth.UserID(ctx), details)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(res))
}

func (h *OrdersHandler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	intent, err := h.Payments.InitiatePayment(ctx, chi.URLParam(r, "id"), auth.UserID(ctx))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type paymentReturnResp struct {
	Reservation  reservationResponse  `json:"reservation"`
	IntentStatus payment.IntentStatus `json:"intent_status"`
}

func (h *OrdersHandler) paymentReturn(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, status, err := h.Payments.ReconcileReturn(ctx, chi.URLParam(r, "id"), auth.UserID(ctx))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if res.PaymentStatus == orders.PaymentPaid {
		h.invalidate(ctx, res.ListingID)
	}
	writeJSON(w, http.StatusOK, paymentReturnResp{Reservation: h.toResponse(res), IntentStatus: status})
}

func (h *OrdersHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, h.Logger, r, fmt.Errorf("%w: read body", orders.ErrInvalidInput))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.Payments.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *OrdersHandler) runSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, h.Logger, r, fmt.Errorf("%w: sweeper disabled", orders.ErrConfig))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.Sweeper.RunOnce(ctx))
}

// watchListing streams change hints for one listing as server-sent events.
// Each event only tells the client to refetch availability.
func (h *OrdersHandler) watchListing(w http.ResponseWriter, r *http.Request) {
	if h.Hints == nil {
		writeError(w, h.Logger, r, fmt.Errorf("%w: live updates disabled", orders.ErrConfig))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.Logger, r, fmt.Errorf("%w: streaming unsupported", orders.ErrConfig))
		return
	}
	listingID := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for hint := range h.Hints.Subscribe(r.Context()) {
		if hint.ListingID != listingID {
			continue
		}
		b, err := json.Marshal(hint)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: listing\ndata: %s\n\n", b); err != nil {
			return
		}
		flusher.Flush()
	}
}
