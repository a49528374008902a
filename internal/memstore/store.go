// Package memstore keeps listings and the reservation ledger in process
// memory with the same conditional-update semantics as the Postgres store.
// It backs STORE_DRIVER=memory and the core unit tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marketplace/checkout/internal/orders"
)

type Store struct {
	mu           sync.Mutex
	listings     map[string]orders.Listing
	options      map[string]orders.DeliveryOption
	reservations map[string]orders.Reservation
}

func New() *Store {
	return &Store{
		listings:     make(map[string]orders.Listing),
		options:      make(map[string]orders.DeliveryOption),
		reservations: make(map[string]orders.Reservation),
	}
}

type txKey struct{}

// WithTx holds the store lock for the duration of fn and restores the
// previous state if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	listings := make(map[string]orders.Listing, len(s.listings))
	for k, v := range s.listings {
		listings[k] = v
	}
	reservations := make(map[string]orders.Reservation, len(s.reservations))
	for k, v := range s.reservations {
		reservations[k] = v
	}

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.listings = listings
		s.reservations = reservations
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// PutListing seeds or replaces reference data.
func (s *Store) PutListing(l orders.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Status == "" {
		l.Status = orders.ListingAvailable
	}
	s.listings[l.ID] = l
}

func (s *Store) PutDeliveryOption(d orders.DeliveryOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[d.ID] = d
}

// Reservations returns every ledger row for a listing, oldest first.
func (s *Store) Reservations(listingID string) []orders.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Reservation
	for _, r := range s.reservations {
		if r.ListingID == listingID {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out
}

func (s *Store) GetListing(ctx context.Context, listingID string) (orders.Listing, error) {
	defer s.lock(ctx)()
	l, ok := s.listings[listingID]
	if !ok {
		return orders.Listing{}, orders.ErrListingNotFound
	}
	return l, nil
}

func (s *Store) GetDeliveryOption(ctx context.Context, optionID string) (orders.DeliveryOption, error) {
	defer s.lock(ctx)()
	d, ok := s.options[optionID]
	if !ok {
		return orders.DeliveryOption{}, orders.ErrDeliveryNotFound
	}
	return d, nil
}

func (s *Store) MarkReserved(ctx context.Context, listingID, reservationID, prevReservationID string) error {
	defer s.lock(ctx)()
	l, ok := s.listings[listingID]
	if !ok {
		return orders.ErrListingNotFound
	}
	switch {
	case l.Status == orders.ListingAvailable:
	case l.Status == orders.ListingReserved && prevReservationID != "" && l.ActiveReservationID == prevReservationID:
	default:
		return orders.ErrListingStateChanged
	}
	l.Status = orders.ListingReserved
	l.ActiveReservationID = reservationID
	s.listings[listingID] = l
	return nil
}

func (s *Store) MarkSold(ctx context.Context, listingID, reservationID string) error {
	defer s.lock(ctx)()
	l, ok := s.listings[listingID]
	if !ok {
		return orders.ErrListingNotFound
	}
	if l.ActiveReservationID != reservationID || (l.Status != orders.ListingReserved && l.Status != orders.ListingSold) {
		return orders.ErrListingStateChanged
	}
	l.Status = orders.ListingSold
	s.listings[listingID] = l
	return nil
}

func (s *Store) Release(ctx context.Context, listingID, reservationID string) (bool, error) {
	defer s.lock(ctx)()
	l, ok := s.listings[listingID]
	if !ok {
		return false, orders.ErrListingNotFound
	}
	if l.Status != orders.ListingReserved || l.ActiveReservationID != reservationID {
		return false, nil
	}
	l.Status = orders.ListingAvailable
	l.ActiveReservationID = ""
	s.listings[listingID] = l
	return true, nil
}

func (s *Store) Create(ctx context.Context, r orders.Reservation) error {
	defer s.lock(ctx)()
	if _, exists := s.reservations[r.ID]; exists {
		return orders.ErrInvalidID
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (orders.Reservation, error) {
	defer s.lock(ctx)()
	r, ok := s.reservations[id]
	if !ok {
		return orders.Reservation{}, orders.ErrReservationNotFound
	}
	return r, nil
}

func (s *Store) FindActiveForBuyer(ctx context.Context, listingID, buyerID string) ([]orders.Reservation, error) {
	defer s.lock(ctx)()
	var out []orders.Reservation
	for _, r := range s.reservations {
		if r.ListingID == listingID && r.BuyerID == buyerID && r.Status.Active() {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to orders.Status, now time.Time) (bool, error) {
	return s.update(ctx, id, func(r *orders.Reservation) bool {
		if r.Status != from || r.PaymentStatus == orders.PaymentPaid {
			return false
		}
		r.Status = to
		return true
	}, now)
}

func (s *Store) Confirm(ctx context.Context, id string, details orders.OrderDetails, now time.Time) (bool, error) {
	return s.update(ctx, id, func(r *orders.Reservation) bool {
		if !r.Status.Active() || r.PaymentInFlight() || !now.Before(r.ExpiresAt) {
			return false
		}
		d := details
		r.Details = &d
		r.Status = orders.StatusConfirmed
		return true
	}, now)
}

func (s *Store) SetPaymentIntent(ctx context.Context, id, intentID, clientSecret string, now time.Time) (bool, error) {
	return s.update(ctx, id, func(r *orders.Reservation) bool {
		if r.Status != orders.StatusConfirmed || r.PaymentStatus == orders.PaymentPaid {
			return false
		}
		r.PaymentIntentID = intentID
		r.PaymentClientSecret = clientSecret
		r.PaymentStatus = orders.PaymentPending
		return true
	}, now)
}

func (s *Store) MarkPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.update(ctx, id, func(r *orders.Reservation) bool {
		if r.Status != orders.StatusConfirmed || r.PaymentStatus == orders.PaymentPaid {
			return false
		}
		r.PaymentStatus = orders.PaymentPaid
		return true
	}, now)
}

func (s *Store) MarkPaymentFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.update(ctx, id, func(r *orders.Reservation) bool {
		if r.Status != orders.StatusConfirmed || r.PaymentStatus == orders.PaymentPaid {
			return false
		}
		r.PaymentStatus = orders.PaymentFailed
		return true
	}, now)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	return s.list(ctx, limit, func(r orders.Reservation) bool {
		return r.Status == orders.StatusReserved && !r.ExpiresAt.After(now)
	}), nil
}

func (s *Store) ListStaleConfirmed(ctx context.Context, cutoff time.Time, limit int) ([]orders.Reservation, error) {
	return s.list(ctx, limit, func(r orders.Reservation) bool {
		return r.Status == orders.StatusConfirmed && r.PaymentStatus != orders.PaymentPaid && !r.ExpiresAt.After(cutoff)
	}), nil
}

func (s *Store) update(ctx context.Context, id string, apply func(r *orders.Reservation) bool, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	r, ok := s.reservations[id]
	if !ok {
		return false, orders.ErrReservationNotFound
	}
	if !apply(&r) {
		return false, nil
	}
	r.UpdatedAt = now
	s.reservations[id] = r
	return true, nil
}

func (s *Store) list(ctx context.Context, limit int, match func(orders.Reservation) bool) []orders.Reservation {
	defer s.lock(ctx)()
	var out []orders.Reservation
	for _, r := range s.reservations {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByCreated(rs []orders.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
