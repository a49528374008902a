package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketplace/checkout/internal/orders"
)

type ListingStore struct {
	db
}

func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{db{pool: pool}}
}

func (s *ListingStore) GetListing(ctx context.Context, listingID string) (orders.Listing, error) {
	query := `
SELECT id, seller_id, price_cents, test_price_cents, currency, status,
       COALESCE(active_reservation_id::text, ''), updated_at
FROM listings
WHERE id = $1`
	if txFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}

	var l orders.Listing
	err := s.queryRow(ctx, query, listingID).Scan(
		&l.ID, &l.SellerID, &l.PriceCents, &l.TestPriceCents, &l.Currency, &l.Status,
		&l.ActiveReservationID, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.Listing{}, orders.ErrListingNotFound
		}
		return orders.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *ListingStore) GetDeliveryOption(ctx context.Context, optionID string) (orders.DeliveryOption, error) {
	const query = `SELECT id, label, price_cents FROM delivery_options WHERE id = $1`
	var d orders.DeliveryOption
	if err := s.queryRow(ctx, query, optionID).Scan(&d.ID, &d.Label, &d.PriceCents); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.DeliveryOption{}, orders.ErrDeliveryNotFound
		}
		return orders.DeliveryOption{}, fmt.Errorf("get delivery option: %w", err)
	}
	return d, nil
}

func (s *ListingStore) MarkReserved(ctx context.Context, listingID, reservationID, prevReservationID string) error {
	const fromAvailable = `
UPDATE listings SET status = 'reserved', active_reservation_id = $2, updated_at = NOW()
WHERE id = $1 AND status = 'available'`
	const takeover = `
UPDATE listings SET status = 'reserved', active_reservation_id = $2, updated_at = NOW()
WHERE id = $1 AND (status = 'available' OR (status = 'reserved' AND active_reservation_id = $3))`

	var (
		tagRows int64
		err     error
	)
	if prevReservationID == "" {
		tag, execErr := s.exec(ctx, fromAvailable, listingID, reservationID)
		tagRows, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := s.exec(ctx, takeover, listingID, reservationID, prevReservationID)
		tagRows, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		if isInvalidUUID(err) {
			return orders.ErrInvalidID
		}
		return fmt.Errorf("mark listing reserved: %w", err)
	}
	if tagRows != 1 {
		return orders.ErrListingStateChanged
	}
	return nil
}

func (s *ListingStore) MarkSold(ctx context.Context, listingID, reservationID string) error {
	const stmt = `
UPDATE listings SET status = 'sold', updated_at = NOW()
WHERE id = $1 AND active_reservation_id = $2 AND status IN ('reserved', 'sold')`

	tag, err := s.exec(ctx, stmt, listingID, reservationID)
	if err != nil {
		if isInvalidUUID(err) {
			return orders.ErrInvalidID
		}
		return fmt.Errorf("mark listing sold: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return orders.ErrListingStateChanged
	}
	return nil
}

func (s *ListingStore) Release(ctx context.Context, listingID, reservationID string) (bool, error) {
	const stmt = `
UPDATE listings SET status = 'available', active_reservation_id = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'reserved' AND active_reservation_id = $2`

	tag, err := s.exec(ctx, stmt, listingID, reservationID)
	if err != nil {
		if isInvalidUUID(err) {
			return false, orders.ErrInvalidID
		}
		return false, fmt.Errorf("release listing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
