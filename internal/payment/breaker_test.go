package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace/checkout/internal/clock"
	"github.com/marketplace/checkout/internal/orders"
)

type countingAuthority struct {
	*Fake
	calls int
}

func (c *countingAuthority) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	c.calls++
	return c.Fake.RetrieveIntent(ctx, id)
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	fake := NewFake("")
	in, err := fake.CreateIntent(ctx, IntentRequest{ReservationID: "r1", AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)

	next := &countingAuthority{Fake: fake}
	b := NewBreaker(next, 2, 30*time.Second, clk, zaptest.NewLogger(t))

	fake.SetError(errors.New("503 service unavailable"))
	for i := 0; i < 2; i++ {
		_, err := b.RetrieveIntent(ctx, in.ID)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err = b.RetrieveIntent(ctx, in.ID)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, orders.ErrPaymentAuthority)
	assert.Equal(t, 2, next.calls)

	// A failed probe reopens the circuit.
	clk.Advance(31 * time.Second)
	_, err = b.RetrieveIntent(ctx, in.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())

	fake.SetError(nil)
	clk.Advance(31 * time.Second)
	got, err := b.RetrieveIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, next.calls)
}

func TestBreaker_MissingIntentIsNotAFailure(t *testing.T) {
	b := NewBreaker(NewFake(""), 1, time.Minute, clock.NewManual(t0), zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := b.RetrieveIntent(context.Background(), "pi_missing")
		require.ErrorIs(t, err, orders.ErrNoPaymentIntent)
	}
	assert.Equal(t, StateClosed, b.State())
}
