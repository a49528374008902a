package orders

import (
	"context"
	"errors"
)

var (
	ErrListingUnavailable   = errors.New("listing unavailable")
	ErrListingStateChanged  = errors.New("listing state changed concurrently")
	ErrInvalidTransition    = errors.New("invalid reservation transition")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrPaymentInProgress    = errors.New("payment in progress")
	ErrAlreadyPaid          = errors.New("reservation already paid")
	ErrPaymentOrphaned      = errors.New("payment succeeded for an inactive reservation")
	ErrListingNotFound      = errors.New("listing not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrDeliveryNotFound     = errors.New("delivery option not found")
	ErrNoActiveReservation  = errors.New("no active reservation")
	ErrNoPaymentIntent      = errors.New("no payment intent")
	ErrTransient            = errors.New("temporary failure")
	ErrPaymentAuthority     = errors.New("payment authority error")
	ErrCouldNotReserve      = errors.New("could not reserve listing")
	ErrConfig               = errors.New("missing configuration")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidID            = errors.New("invalid id")
	ErrTrialUnavailable     = errors.New("listing has no trial price")
	ErrSelfPurchase         = errors.New("cannot buy your own listing")
	ErrContactRequired      = errors.New("contact name required")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnauthenticated      = errors.New("no authenticated session")
	ErrForbidden            = errors.New("forbidden")
)

// Kind is the error taxonomy every core operation reports into.
type Kind int

const (
	KindTransient Kind = iota
	KindConflict
	KindNotFound
	KindPaymentAuthority
	KindFatal
	KindInvalid
	KindUnauthenticated
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPaymentAuthority:
		return "payment_authority"
	case KindFatal:
		return "fatal"
	case KindInvalid:
		return "invalid"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	default:
		return "transient"
	}
}

// Retryable reports whether the caller may offer a "try again" action.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindPaymentAuthority
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrListingUnavailable, KindConflict},
	{ErrListingStateChanged, KindConflict},
	{ErrInvalidTransition, KindConflict},
	{ErrReservationExpired, KindConflict},
	{ErrPaymentInProgress, KindConflict},
	{ErrAlreadyPaid, KindConflict},
	{ErrPaymentOrphaned, KindConflict},
	{ErrListingNotFound, KindNotFound},
	{ErrReservationNotFound, KindNotFound},
	{ErrDeliveryNotFound, KindNotFound},
	{ErrNoActiveReservation, KindNotFound},
	{ErrNoPaymentIntent, KindNotFound},
	{ErrPaymentAuthority, KindPaymentAuthority},
	{ErrCouldNotReserve, KindFatal},
	{ErrConfig, KindFatal},
	{ErrInvalidInput, KindInvalid},
	{ErrInvalidID, KindInvalid},
	{ErrTrialUnavailable, KindInvalid},
	{ErrSelfPurchase, KindInvalid},
	{ErrContactRequired, KindInvalid},
	{ErrInvalidPaymentMethod, KindInvalid},
	{ErrInvalidSignature, KindInvalid},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrForbidden, KindForbidden},
	{ErrTransient, KindTransient},
}

// KindOf classifies err. Anything unrecognised is Transient.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindTransient
}

// IsTransient excludes cancellation: a caller that gave up is not retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient && !errors.Is(err, context.Canceled)
}
