package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy is the marketplace service fee, charged on the post-discount subtotal.
type FeePolicy struct {
	Rate       decimal.Decimal
	FixedCents int64
}

func NewFeePolicy(rate float64, fixedCents int64) FeePolicy {
	return FeePolicy{Rate: decimal.NewFromFloat(rate), FixedCents: fixedCents}
}

type Quote struct {
	SubtotalCents   int64
	DiscountCents   int64
	ServiceFeeCents int64
	TotalCents      int64
}

// Price computes the amounts stored on a new reservation. delivery may be nil.
func Price(l Listing, delivery *DeliveryOption, kind OrderKind, discountCents int64, fees FeePolicy) (Quote, error) {
	base := l.PriceCents
	if kind == KindTrial {
		if l.TestPriceCents == nil {
			return Quote{}, ErrTrialUnavailable
		}
		base = *l.TestPriceCents
	}
	if base < 0 || discountCents < 0 {
		return Quote{}, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}

	subtotal := base
	if delivery != nil {
		subtotal += delivery.PriceCents
	}
	discount := discountCents
	if discount > subtotal {
		discount = subtotal
	}
	discounted := subtotal - discount

	fee := decimal.NewFromInt(discounted).Mul(fees.Rate).Round(0).IntPart() + fees.FixedCents

	return Quote{
		SubtotalCents:   subtotal,
		DiscountCents:   discount,
		ServiceFeeCents: fee,
		TotalCents:      discounted + fee,
	}, nil
}
