package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketplace/checkout/internal/orders"
)

// Ledger is the reservations table. Rows are never deleted.
type Ledger struct {
	db
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{db{pool: pool}}
}

const reservationColumns = `
id, listing_id, buyer_id, seller_id, COALESCE(delivery_option_id, ''), kind,
subtotal_cents, discount_cents, service_fee_cents, total_cents, currency,
status, COALESCE(payment_status, ''), COALESCE(payment_intent_id, ''), COALESCE(payment_client_secret, ''),
details, trial_ends_at, created_at, expires_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (orders.Reservation, error) {
	var (
		r       orders.Reservation
		details []byte
	)
	err := row.Scan(
		&r.ID, &r.ListingID, &r.BuyerID, &r.SellerID, &r.DeliveryOptionID, &r.Kind,
		&r.SubtotalCents, &r.DiscountCents, &r.ServiceFeeCents, &r.TotalCents, &r.Currency,
		&r.Status, &r.PaymentStatus, &r.PaymentIntentID, &r.PaymentClientSecret,
		&details, &r.TrialEndsAt, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt,
	)
	if err != nil {
		return orders.Reservation{}, err
	}
	if len(details) > 0 {
		var d orders.OrderDetails
		if err := json.Unmarshal(details, &d); err != nil {
			return orders.Reservation{}, fmt.Errorf("decode details: %w", err)
		}
		r.Details = &d
	}
	return r, nil
}

func (l *Ledger) Create(ctx context.Context, r orders.Reservation) error {
	const stmt = `
INSERT INTO reservations (
	id, listing_id, buyer_id, seller_id, delivery_option_id, kind,
	subtotal_cents, discount_cents, service_fee_cents, total_cents, currency,
	status, payment_status, trial_ends_at, created_at, expires_at, updated_at
) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16, $17)`

	_, err := l.exec(ctx, stmt,
		r.ID, r.ListingID, r.BuyerID, r.SellerID, r.DeliveryOptionID, r.Kind,
		r.SubtotalCents, r.DiscountCents, r.ServiceFeeCents, r.TotalCents, r.Currency,
		r.Status, string(r.PaymentStatus), r.TrialEndsAt, r.CreatedAt, r.ExpiresAt, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) || isInvalidUUID(err) {
			return orders.ErrInvalidID
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (orders.Reservation, error) {
	r, err := scanReservation(l.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return orders.Reservation{}, orders.ErrReservationNotFound
		}
		return orders.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (l *Ledger) FindActiveForBuyer(ctx context.Context, listingID, buyerID string) ([]orders.Reservation, error) {
	const where = `
WHERE listing_id = $1 AND buyer_id = $2 AND status IN ('reserved', 'confirmed')
ORDER BY created_at, id`
	return l.list(ctx, "find active for buyer", `SELECT `+reservationColumns+` FROM reservations`+where, listingID, buyerID)
}

func (l *Ledger) UpdateStatus(ctx context.Context, id string, from, to orders.Status, now time.Time) (bool, error) {
	const stmt = `
UPDATE reservations SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2 AND payment_status IS DISTINCT FROM 'paid'`
	return l.transition(ctx, "update status", stmt, id, from, to, now)
}

func (l *Ledger) Confirm(ctx context.Context, id string, details orders.OrderDetails, now time.Time) (bool, error) {
	const stmt = `
UPDATE reservations SET status = 'confirmed', details = $2, updated_at = $3
WHERE id = $1
  AND status IN ('reserved', 'confirmed')
  AND expires_at > $3
  AND (payment_status IS NULL OR payment_status = 'failed')`

	b, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode details: %w", err)
	}
	return l.transition(ctx, "confirm", stmt, id, b, now)
}

func (l *Ledger) SetPaymentIntent(ctx context.Context, id, intentID, clientSecret string, now time.Time) (bool, error) {
	const stmt = `
UPDATE reservations
SET payment_intent_id = $2, payment_client_secret = $3, payment_status = 'pending', updated_at = $4
WHERE id = $1 AND status = 'confirmed' AND payment_status IS DISTINCT FROM 'paid'`
	return l.transition(ctx, "set payment intent", stmt, id, intentID, clientSecret, now)
}

func (l *Ledger) MarkPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE reservations SET payment_status = 'paid', updated_at = $2
WHERE id = $1 AND status = 'confirmed' AND payment_status IS DISTINCT FROM 'paid'`
	return l.transition(ctx, "mark paid", stmt, id, now)
}

func (l *Ledger) MarkPaymentFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE reservations SET payment_status = 'failed', updated_at = $2
WHERE id = $1 AND status = 'confirmed' AND payment_status IS DISTINCT FROM 'paid'`
	return l.transition(ctx, "mark payment failed", stmt, id, now)
}

func (l *Ledger) ListExpired(ctx context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	const where = `
WHERE status = 'reserved' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`
	return l.list(ctx, "list expired", `SELECT `+reservationColumns+` FROM reservations`+where, now, limit)
}

func (l *Ledger) ListStaleConfirmed(ctx context.Context, cutoff time.Time, limit int) ([]orders.Reservation, error) {
	const where = `
WHERE status = 'confirmed' AND payment_status IS DISTINCT FROM 'paid' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`
	return l.list(ctx, "list stale confirmed", `SELECT `+reservationColumns+` FROM reservations`+where, cutoff, limit)
}

func (l *Ledger) transition(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	tag, err := l.exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return false, orders.ErrReservationNotFound
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing row.
	var exists bool
	id := args[0]
	if err := l.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return false, orders.ErrReservationNotFound
	}
	return false, nil
}

func (l *Ledger) list(ctx context.Context, op, query string, args ...any) ([]orders.Reservation, error) {
	rows, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []orders.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
