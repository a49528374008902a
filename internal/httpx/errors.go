package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/marketplace/checkout/internal/orders"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k orders.Kind) int {
	switch k {
	case orders.KindConflict:
		return http.StatusConflict
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindPaymentAuthority:
		return http.StatusBadGateway
	case orders.KindFatal:
		return http.StatusInternalServerError
	case orders.KindInvalid:
		return http.StatusBadRequest
	case orders.KindUnauthenticated:
		return http.StatusUnauthorized
	case orders.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// messages shown to the buyer; internal detail stays in the log.
var messages = []struct {
	err error
	msg string
}{
	{orders.ErrListingUnavailable, "This item is currently reserved by another buyer."},
	{orders.ErrReservationExpired, "Your reservation has expired. Please start checkout again."},
	{orders.ErrNoActiveReservation, "Your reservation is no longer active. Please refresh and try again."},
	{orders.ErrPaymentInProgress, "A payment is already in progress for this order."},
	{orders.ErrAlreadyPaid, "This order has already been paid."},
	{orders.ErrCouldNotReserve, "We could not reserve this item. Please try again later."},
	{orders.ErrPaymentAuthority, "The payment provider is unavailable. Please try again."},
	{orders.ErrSelfPurchase, "You cannot buy your own listing."},
	{orders.ErrUnauthenticated, "Please sign in to continue."},
	{orders.ErrForbidden, "You do not have access to this order."},
}

func messageFor(err error, k orders.Kind) string {
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	switch k {
	case orders.KindInvalid, orders.KindNotFound, orders.KindConflict:
		return err.Error()
	case orders.KindFatal:
		return "The service is misconfigured."
	default:
		return "Something went wrong. Please try again."
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	k := orders.KindOf(err)
	status := statusFor(k)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("kind", k.String()), zap.Error(err))
	case k == orders.KindConflict:
		logger.Info("request conflict", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Error:     messageFor(err, k),
		Code:      k.String(),
		Retryable: k.Retryable(),
	})
}
